package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migrateLegacyIDs rebuilds the logs table when it predates
// hash-derived ids. Early deployments let SQLite auto-assign the id,
// which made ids host- and history-dependent; the current contract
// derives id from the fingerprint, so the same record always lands on
// the same row.
//
// Detection introspects the recorded DDL: a legacy table carries
// AUTOINCREMENT on its id column. The rebuild runs in one transaction
// (single-pass, resumable: a crash leaves the legacy table intact and
// the next start detects it again). Rows are copied in ascending ts
// order into a fresh table with INSERT OR IGNORE, so when legacy data
// contains colliding fingerprints the earliest ts wins; the number of
// dropped rows is logged at warn for operator review.
func (s *Store) migrateLegacyIDs() error {
	var ddl sql.NullString
	err := s.db.QueryRow(
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'logs'`,
	).Scan(&ddl)
	if err == sql.ErrNoRows {
		return nil // fresh database
	}
	if err != nil {
		return fmt.Errorf("introspecting logs table: %w", err)
	}
	if !containsAutoincrement(ddl.String) {
		return nil
	}

	s.log.Info("legacy auto-sequence id detected, rebuilding logs table")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		CREATE TABLE logs_migrated (
			id          INTEGER PRIMARY KEY,
			ts          INTEGER NOT NULL,
			hostname    TEXT NOT NULL DEFAULT '',
			unit        TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT '',
			severity    TEXT NOT NULL DEFAULT '',
			message     TEXT NOT NULL DEFAULT '',
			cursor      TEXT UNIQUE,
			fingerprint TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("creating rebuild table: %w", err)
	}

	rows, err := tx.Query(`
		SELECT ts, COALESCE(hostname, ''), COALESCE(unit, ''), COALESCE(source, ''),
			COALESCE(severity, ''), COALESCE(message, ''), cursor, COALESCE(fingerprint, '')
		FROM logs ORDER BY ts ASC`)
	if err != nil {
		return fmt.Errorf("reading legacy rows: %w", err)
	}
	defer rows.Close()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO logs_migrated (id, ts, hostname, unit, source, severity, message, cursor, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing migration insert: %w", err)
	}
	defer stmt.Close()

	total, copied := 0, 0
	for rows.Next() {
		var e LogEntry
		var cursor sql.NullString
		if err := rows.Scan(&e.TS, &e.Hostname, &e.Unit, &e.Source,
			&e.Severity, &e.Message, &cursor, &e.Fingerprint); err != nil {
			return fmt.Errorf("scanning legacy row: %w", err)
		}
		if e.Fingerprint == "" {
			e.Fingerprint = Fingerprint(e.TS, e.Hostname, e.Unit, e.Source, e.Severity, e.Message)
		}
		e.ID = IDForFingerprint(e.Fingerprint)

		res, err := stmt.Exec(e.ID, e.TS, e.Hostname, e.Unit, e.Source,
			e.Severity, e.Message, cursor, e.Fingerprint)
		if err != nil {
			return fmt.Errorf("migrating row (ts=%d): %w", e.TS, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting migrated rows: %w", err)
		}
		total++
		copied += int(n)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating legacy rows: %w", err)
	}
	rows.Close()

	if _, err := tx.Exec(`DROP TABLE logs`); err != nil {
		return fmt.Errorf("dropping legacy table: %w", err)
	}
	if _, err := tx.Exec(`ALTER TABLE logs_migrated RENAME TO logs`); err != nil {
		return fmt.Errorf("renaming rebuilt table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	if dropped := total - copied; dropped > 0 {
		s.log.Warn("legacy migration dropped colliding rows (earliest ts kept)",
			zap.Int("dropped", dropped), zap.Int("kept", copied))
	}
	s.log.Info("logs table migrated to deterministic ids",
		zap.Int("rows", copied))
	return nil
}

// containsAutoincrement matches the keyword case-insensitively without
// tripping on column or index names.
func containsAutoincrement(ddl string) bool {
	const kw = "AUTOINCREMENT"
	for i := 0; i+len(kw) <= len(ddl); i++ {
		j := 0
		for ; j < len(kw); j++ {
			c := ddl[i+j]
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			if c != kw[j] {
				break
			}
		}
		if j == len(kw) {
			return true
		}
	}
	return false
}
