// Package store is the storage layer for Chimera.
//
// It owns the SQLite analytic database: schema creation, the legacy-id
// migration, deduplicating batch insertion, and the filtered query and
// discovery operations the API serves. All timestamps are int64 Unix
// microseconds in UTC.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/chimera-logmind/chimera/pkg/timeutil"
)

//go:embed schema.sql
var schemaFS embed.FS

// ErrUnknownDimension reports a DISCOVER dimension outside the
// whitelist.
var ErrUnknownDimension = errors.New("unknown dimension")

// ErrUnknownSeverity reports a min_severity value outside the syslog
// level set.
var ErrUnknownSeverity = errors.New("unknown severity")

// Query limit policy.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 10000

	DefaultDiscoverLimit = 50
	MaxDiscoverLimit     = 500
)

// severityRank orders the syslog levels from most severe (emerg=0) to
// least severe (debug=7). Severities outside this set never match a
// min_severity filter.
var severityRank = map[string]int{
	"emerg":   0,
	"alert":   1,
	"crit":    2,
	"err":     3,
	"warning": 4,
	"notice":  5,
	"info":    6,
	"debug":   7,
}

// severityCaseSQL mirrors severityRank in SQL; unknown severities rank
// 99 so a `<= threshold` comparison excludes them.
const severityCaseSQL = `(CASE severity
	WHEN 'emerg' THEN 0 WHEN 'alert' THEN 1 WHEN 'crit' THEN 2
	WHEN 'err' THEN 3 WHEN 'warning' THEN 4 WHEN 'notice' THEN 5
	WHEN 'info' THEN 6 WHEN 'debug' THEN 7 ELSE 99 END)`

// SeverityRank returns the rank of a syslog level name, matching
// case-insensitively. ok is false for names outside the known set.
func SeverityRank(name string) (int, bool) {
	r, ok := severityRank[strings.ToLower(name)]
	return r, ok
}

// discoverColumns whitelists the DISCOVER dimensions.
var discoverColumns = map[string]string{
	"units":      "unit",
	"hostnames":  "hostname",
	"sources":    "source",
	"severities": "severity",
}

// ============================================================
// Domain Models
// ============================================================

// LogEntry is one normalized log record. Cursor is the source's opaque
// position token; empty means the source did not provide one.
type LogEntry struct {
	ID          int64
	TS          int64 // Unix microseconds, UTC
	Hostname    string
	Unit        string
	Source      string
	Severity    string
	Message     string
	Cursor      string
	Fingerprint string
}

// Filter selects rows for QueryLogs. Zero values mean "no constraint"
// except Limit and Order, which default to 100 and "desc".
type Filter struct {
	SinceSeconds int64
	MinSeverity  string
	Source       string
	Unit         string
	Hostname     string
	Contains     string
	Limit        int
	Order        string
}

// ValueCount is one discovery aggregation row.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// ============================================================
// Store
// ============================================================

// Store wraps the SQLite handle. The connection pool hands each
// operation its own connection; writers serialize through SQLite's own
// locking with a busy timeout, so handlers never coordinate directly.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if necessary) the analytic store at path, runs
// the legacy-id migration when needed, and applies the schema. Schema
// or migration failure is fatal to the caller: the server must not
// start against a broken store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	s := &Store{db: db, log: logger}
	if err := s.migrateLegacyIDs(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating legacy schema: %w", err)
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading embedded schema: %w", err)
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================
// Write Path
// ============================================================

const insertLogSQL = `
	INSERT OR IGNORE INTO logs (id, ts, hostname, unit, source, severity, message, cursor, fingerprint)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertBatch inserts up to one batch of normalized records and, when
// cursor is non-empty, advances the named source's ingest cursor in
// the same transaction. Rows whose id or cursor already exist are
// ignored. Returns the number of rows actually added; on error nothing
// from this batch is visible.
func (s *Store) InsertBatch(ctx context.Context, entries []LogEntry, sourceName, cursor string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, insertLogSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing batch insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx,
			e.ID, e.TS, e.Hostname, e.Unit, e.Source, e.Severity,
			e.Message, nullable(e.Cursor), e.Fingerprint,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting log %d: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("counting inserted rows: %w", err)
		}
		inserted += int(n)
	}

	if cursor != "" {
		if err := upsertCursor(ctx, tx, sourceName, cursor); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing batch: %w", err)
	}
	return inserted, nil
}

func upsertCursor(ctx context.Context, tx *sql.Tx, sourceName, cursor string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_state (source_name, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_name) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at`,
		sourceName, cursor, timeutil.NowMicros(),
	)
	if err != nil {
		return fmt.Errorf("upserting cursor for %s: %w", sourceName, err)
	}
	return nil
}

// Cursor returns the stored ingest cursor for a source; empty when the
// source has never committed one.
func (s *Store) Cursor(ctx context.Context, sourceName string) (string, error) {
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM ingest_state WHERE source_name = ?`, sourceName,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading cursor for %s: %w", sourceName, err)
	}
	return cursor.String, nil
}

// SetCursor upserts a source's cursor outside a batch. The ingest path
// prefers InsertBatch so the cursor commits with its rows.
func (s *Store) SetCursor(ctx context.Context, sourceName, cursor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cursor transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertCursor(ctx, tx, sourceName, cursor); err != nil {
		return err
	}
	return tx.Commit()
}

// CountLogs returns the total number of stored rows.
func (s *Store) CountLogs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting logs: %w", err)
	}
	return n, nil
}

// ============================================================
// Read Path
// ============================================================

// QueryLogs returns rows matching the filter, ordered by ts. All
// filter fields combine with AND.
func (s *Store) QueryLogs(ctx context.Context, f Filter) ([]LogEntry, error) {
	query := `SELECT id, ts, hostname, unit, source, severity, message, cursor, fingerprint
		FROM logs WHERE 1=1`
	args := make([]interface{}, 0, 8)

	if f.SinceSeconds > 0 {
		query += ` AND ts >= ?`
		args = append(args, timeutil.NowMicros()-f.SinceSeconds*1_000_000)
	}
	if f.MinSeverity != "" {
		rank, ok := SeverityRank(f.MinSeverity)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSeverity, f.MinSeverity)
		}
		query += ` AND ` + severityCaseSQL + ` <= ?`
		args = append(args, rank)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.Unit != "" {
		query += ` AND unit = ?`
		args = append(args, f.Unit)
	}
	if f.Hostname != "" {
		query += ` AND hostname = ?`
		args = append(args, f.Hostname)
	}
	if f.Contains != "" {
		query += ` AND instr(lower(message), lower(?)) > 0`
		args = append(args, f.Contains)
	}

	order := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		order = "ASC"
	}
	query += ` ORDER BY ts ` + order + ` LIMIT ?`
	args = append(args, clampLimit(f.Limit, DefaultQueryLimit, MaxQueryLimit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	return scanLogs(rows)
}

// Discover aggregates one dimension over the window: distinct values
// with their row counts, most frequent first.
func (s *Store) Discover(ctx context.Context, dimension string, sinceSeconds int64, limit int) ([]ValueCount, error) {
	col, ok := discoverColumns[strings.ToLower(dimension)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDimension, dimension)
	}

	query := `SELECT ` + col + ` AS value, COUNT(*) AS count FROM logs`
	args := make([]interface{}, 0, 2)
	if sinceSeconds > 0 {
		query += ` WHERE ts >= ?`
		args = append(args, timeutil.NowMicros()-sinceSeconds*1_000_000)
	}
	query += ` GROUP BY ` + col + ` ORDER BY count DESC, value ASC LIMIT ?`
	args = append(args, clampLimit(limit, DefaultDiscoverLimit, MaxDiscoverLimit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", dimension, err)
	}
	defer rows.Close()

	var out []ValueCount
	for rows.Next() {
		var vc ValueCount
		if err := rows.Scan(&vc.Value, &vc.Count); err != nil {
			return nil, fmt.Errorf("scanning discovery row: %w", err)
		}
		out = append(out, vc)
	}
	return out, rows.Err()
}

// ============================================================
// Scan Helpers
// ============================================================

func scanLogs(rows *sql.Rows) ([]LogEntry, error) {
	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var cursor sql.NullString
		if err := rows.Scan(
			&e.ID, &e.TS, &e.Hostname, &e.Unit, &e.Source,
			&e.Severity, &e.Message, &cursor, &e.Fingerprint,
		); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		e.Cursor = cursor.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
