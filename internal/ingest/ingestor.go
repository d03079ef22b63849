// Package ingest drives the incremental journal-to-store pipeline:
// read the stored cursor, stream records from the journal, normalize
// and fingerprint them, and insert in deduplicated batches that commit
// together with the cursor advance.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/chimera-logmind/chimera/internal/journal"
	"github.com/chimera-logmind/chimera/internal/metrics"
	"github.com/chimera-logmind/chimera/internal/store"
)

// SourceJournal names the systemd journal source in logs.source and
// ingest_state.source_name.
const SourceJournal = "journal"

// DefaultBatchSize is the number of records committed per store
// transaction.
const DefaultBatchSize = 1000

// Ingestor wires the journal reader to the store.
type Ingestor struct {
	store     *store.Store
	reader    *journal.Reader
	log       *zap.Logger
	batchSize int
}

// New returns an Ingestor with the default batch size.
func New(st *store.Store, reader *journal.Reader, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		store:     st,
		reader:    reader,
		log:       logger,
		batchSize: DefaultBatchSize,
	}
}

// IngestJournal ingests up to maxRecords (0 = unbounded) journal
// records from the stored cursor, or from the trailing window when no
// cursor exists yet. It returns the number of rows actually inserted
// and the store's total row count afterwards.
//
// Each full batch commits atomically with the cursor of its last
// cursor-bearing record; on a storage error the failing batch rolls
// back while earlier batches stay committed, and re-running is safe
// because identity is deterministic.
func (ing *Ingestor) IngestJournal(ctx context.Context, windowSeconds, maxRecords int) (int, int64, error) {
	if windowSeconds < 1 {
		return 0, 0, fmt.Errorf("window must be at least 1 second, got %d", windowSeconds)
	}

	cursor, err := ing.store.Cursor(ctx, SourceJournal)
	if err != nil {
		return 0, 0, err
	}
	if cursor != "" && !journal.ValidCursor(cursor) {
		// A corrupt bookmark must not poison every future ingest.
		ing.log.Warn("stored cursor is invalid, falling back to time window",
			zap.String("source", SourceJournal))
		cursor = ""
	}

	stream, err := ing.reader.Stream(ctx, windowSeconds, maxRecords, cursor)
	if err != nil {
		return 0, 0, err
	}
	defer stream.Close()

	ing.log.Info("journal ingest started",
		zap.Int("window_seconds", windowSeconds),
		zap.Int("max_records", maxRecords),
		zap.Bool("resuming", cursor != ""))

	batch := make([]store.LogEntry, 0, ing.batchSize)
	batchCursor := ""
	inserted := 0
	read := 0
	dropped := 0

	flush := func() error {
		if len(batch) == 0 && batchCursor == "" {
			return nil
		}
		n, err := ing.store.InsertBatch(ctx, batch, SourceJournal, batchCursor)
		if err != nil {
			return err
		}
		inserted += n
		metrics.RecordsInserted.Add(float64(n))
		batch = batch[:0]
		batchCursor = ""
		return nil
	}

	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what already committed; report the stream failure.
			if flushErr := flush(); flushErr != nil {
				return inserted, 0, flushErr
			}
			return inserted, 0, err
		}
		read++
		metrics.RecordsRead.Inc()

		// The cursor advances past every record read, dropped or not;
		// a dropped record will never become insertable.
		if rec.Cursor != "" {
			batchCursor = rec.Cursor
		}

		if rec.TS == 0 {
			// Never invent a timestamp for a record the source could
			// not date.
			dropped++
			metrics.RecordsDropped.Inc()
			continue
		}

		batch = append(batch, normalize(rec))
		if len(batch) >= ing.batchSize {
			if err := flush(); err != nil {
				return inserted, 0, err
			}
		}
	}

	if err := flush(); err != nil {
		return inserted, 0, err
	}
	if err := stream.Close(); err != nil {
		if errors.Is(err, journal.ErrUnavailable) && read == 0 {
			return 0, 0, err
		}
	}
	metrics.MalformedLines.Add(float64(stream.Skipped()))

	total, err := ing.store.CountLogs(ctx)
	if err != nil {
		return inserted, 0, err
	}

	ing.log.Info("journal ingest finished",
		zap.Int("read", read),
		zap.Int("inserted", inserted),
		zap.Int("dropped", dropped),
		zap.Int("malformed", stream.Skipped()),
		zap.Int64("total", total))
	return inserted, total, nil
}

// normalize turns a journal record into a store row with its
// fingerprint and deterministic id.
func normalize(rec *journal.Record) store.LogEntry {
	fp := store.Fingerprint(rec.TS, rec.Hostname, rec.Unit, SourceJournal, rec.Severity, rec.Message)
	return store.LogEntry{
		ID:          store.IDForFingerprint(fp),
		TS:          rec.TS,
		Hostname:    rec.Hostname,
		Unit:        rec.Unit,
		Source:      SourceJournal,
		Severity:    rec.Severity,
		Message:     rec.Message,
		Cursor:      rec.Cursor,
		Fingerprint: fp,
	}
}
