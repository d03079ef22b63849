package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/chimera-logmind/chimera/internal/journal"
	"github.com/chimera-logmind/chimera/internal/metrics"
	"github.com/chimera-logmind/chimera/internal/protocol"
	"github.com/chimera-logmind/chimera/internal/store"
	"github.com/chimera-logmind/chimera/pkg/timeutil"
)

// errBadArguments covers every client-side request defect: missing or
// malformed arguments, out-of-range numbers, unknown filter keys.
var errBadArguments = errors.New("bad-arguments")

// queryLogKeys are the filters QUERY_LOGS accepts. A typo'd key is
// rejected rather than silently ignored: a forensic query that drops a
// filter lies to its caller.
var queryLogKeys = map[string]bool{
	"since":        true,
	"min_severity": true,
	"source":       true,
	"unit":         true,
	"hostname":     true,
	"contains":     true,
	"limit":        true,
	"order":        true,
}

// logRow is the NDJSON shape of one QUERY_LOGS result.
type logRow struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Hostname string `json:"hostname"`
	Unit     string `json:"unit"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// dispatch routes one parsed request and writes its response.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request, w *bufio.Writer) {
	metrics.RequestsTotal.WithLabelValues(req.Verb).Inc()

	var err error
	switch req.Verb {
	case "PING":
		_, err = w.WriteString("PONG\n")
	case "HEALTH":
		_, err = w.WriteString(protocol.OK())
	case "VERSION":
		_, err = w.WriteString(Version + "\n")
	case "INGEST_JOURNAL":
		err = s.handleIngestJournal(ctx, req, w)
	case "QUERY_LOGS":
		err = s.handleQueryLogs(ctx, req, w)
	case "DISCOVER":
		err = s.handleDiscover(ctx, req, w)
	default:
		metrics.RequestErrors.WithLabelValues("unknown-command").Inc()
		_, err = w.WriteString(protocol.Err("unknown-command"))
	}
	if err != nil {
		// Peer went away mid-response; abort quietly.
		s.log.Debug("client disconnected mid-response",
			zap.String("verb", req.Verb), zap.Error(err))
	}
}

// handleIngestJournal serves INGEST_JOURNAL <seconds> [limit].
func (s *Server) handleIngestJournal(ctx context.Context, req *protocol.Request, w *bufio.Writer) error {
	seconds, limit := 3600, 0
	pos := req.Positional()
	if len(pos) > 2 || len(req.Keys()) > 0 {
		return s.writeErr(w, "bad-arguments")
	}
	var err error
	if len(pos) >= 1 {
		if seconds, err = parsePositiveInt(pos[0]); err != nil {
			return s.writeErr(w, "bad-arguments")
		}
	}
	if len(pos) >= 2 {
		if limit, err = parsePositiveInt(pos[1]); err != nil {
			return s.writeErr(w, "bad-arguments")
		}
	}

	inserted, total, err := s.ingestor.IngestJournal(ctx, seconds, limit)
	if errors.Is(err, journal.ErrUnavailable) {
		s.log.Warn("journal tool unavailable", zap.Error(err))
		return s.writeErr(w, "journal-unavailable")
	}
	if err != nil {
		s.log.Error("ingest failed", zap.Error(err))
		return s.writeErr(w, "storage: "+shortReason(err))
	}

	_, err = w.WriteString(protocol.OK(
		protocol.KV("inserted", inserted),
		protocol.KV("total", total),
	))
	return err
}

// handleQueryLogs serves QUERY_LOGS with key=value filters, streaming
// matching rows as NDJSON.
func (s *Server) handleQueryLogs(ctx context.Context, req *protocol.Request, w *bufio.Writer) error {
	if len(req.Positional()) > 0 {
		return s.writeErr(w, "bad-arguments")
	}
	for _, k := range req.Keys() {
		if !queryLogKeys[k] {
			return s.writeErr(w, "bad-arguments")
		}
	}

	var f store.Filter
	var err error
	if v, ok := req.Get("since"); ok {
		if f.SinceSeconds, err = parsePositiveInt64(v); err != nil {
			return s.writeErr(w, "bad-arguments")
		}
	}
	if v, ok := req.Get("min_severity"); ok {
		if _, known := store.SeverityRank(v); !known {
			return s.writeErr(w, "bad-arguments")
		}
		f.MinSeverity = v
	}
	f.Source, _ = req.Get("source")
	f.Unit, _ = req.Get("unit")
	f.Hostname, _ = req.Get("hostname")
	f.Contains, _ = req.Get("contains")
	if v, ok := req.Get("limit"); ok {
		if f.Limit, err = parsePositiveInt(v); err != nil {
			return s.writeErr(w, "bad-arguments")
		}
	}
	if v, ok := req.Get("order"); ok {
		v = strings.ToLower(v)
		if v != "asc" && v != "desc" {
			return s.writeErr(w, "bad-arguments")
		}
		f.Order = v
	}

	entries, err := s.store.QueryLogs(ctx, f)
	if err != nil {
		s.log.Error("query failed", zap.Error(err))
		return s.writeErr(w, "storage: "+shortReason(err))
	}

	enc := json.NewEncoder(w)
	for _, e := range entries {
		row := logRow{
			ID:       e.ID,
			TS:       timeutil.FormatISO(e.TS),
			Hostname: e.Hostname,
			Unit:     e.Unit,
			Source:   e.Source,
			Severity: e.Severity,
			Message:  e.Message,
		}
		if err := enc.Encode(&row); err != nil {
			return err
		}
	}
	return nil
}

// handleDiscover serves DISCOVER <DIMENSION> [since=N] [limit=N],
// streaming {value,count} aggregates as NDJSON.
func (s *Server) handleDiscover(ctx context.Context, req *protocol.Request, w *bufio.Writer) error {
	pos := req.Positional()
	if len(pos) != 1 {
		return s.writeErr(w, "bad-arguments")
	}
	for _, k := range req.Keys() {
		if k != "since" && k != "limit" {
			return s.writeErr(w, "bad-arguments")
		}
	}

	var since int64
	var limit int
	var err error
	if v, ok := req.Get("since"); ok {
		if since, err = parsePositiveInt64(v); err != nil {
			return s.writeErr(w, "bad-arguments")
		}
	}
	if v, ok := req.Get("limit"); ok {
		if limit, err = parsePositiveInt(v); err != nil {
			return s.writeErr(w, "bad-arguments")
		}
	}

	counts, err := s.store.Discover(ctx, pos[0], since, limit)
	if err != nil {
		if errors.Is(err, store.ErrUnknownDimension) {
			return s.writeErr(w, "bad-arguments")
		}
		s.log.Error("discover failed", zap.Error(err))
		return s.writeErr(w, "storage: "+shortReason(err))
	}

	enc := json.NewEncoder(w)
	for _, vc := range counts {
		if err := enc.Encode(&vc); err != nil {
			return err
		}
	}
	return nil
}

// writeErr emits an ERR line and records the error kind.
func (s *Server) writeErr(w *bufio.Writer, reason string) error {
	kind := reason
	if i := strings.IndexByte(kind, ':'); i > 0 {
		kind = kind[:i]
	}
	metrics.RequestErrors.WithLabelValues(kind).Inc()
	_, err := w.WriteString(protocol.Err(reason))
	return err
}

// shortReason trims a wrapped error chain to a single short line fit
// for the wire.
func shortReason(err error) string {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errBadArguments
	}
	return n, nil
}

func parsePositiveInt64(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, errBadArguments
	}
	return n, nil
}
