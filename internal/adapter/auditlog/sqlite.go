package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"switchyard/internal/domain"
)

// SQLiteInvocationStore implements domain.InvocationStore using SQLite.
// Every forwarded tools/call lands here as one row, successes and failures
// alike, so operators can reconstruct what was asked of which node and when.
type SQLiteInvocationStore struct {
	db *sql.DB
}

// NewSQLiteInvocationStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteInvocationStore(dbPath string) (*SQLiteInvocationStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open invocation db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate invocation db: %w", err)
	}
	return &SQLiteInvocationStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invocations (
			id          TEXT PRIMARY KEY,
			timestamp   TEXT NOT NULL,
			tool        TEXT NOT NULL,
			node_id     TEXT NOT NULL DEFAULT '',
			arguments   TEXT NOT NULL DEFAULT '',
			result      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations (timestamp)`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteInvocationStore) Close() error {
	return s.db.Close()
}

// Record persists one invocation row.
func (s *SQLiteInvocationStore) Record(_ context.Context, rec domain.InvocationRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO invocations (id, timestamp, tool, node_id, arguments, result, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Tool, rec.NodeID,
		string(rec.Arguments), rec.Result, rec.Error, rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLiteInvocationStore) Recent(_ context.Context, limit int) ([]domain.InvocationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id, timestamp, tool, node_id, arguments, result, error, duration_ms FROM invocations ORDER BY timestamp DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var recs []domain.InvocationRecord
	for rows.Next() {
		var (
			rec        domain.InvocationRecord
			ts         string
			args       string
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Tool, &rec.NodeID, &args, &rec.Result, &rec.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		rec.Timestamp = parsed
		if args != "" {
			rec.Arguments = []byte(args)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Prune deletes records older than the cutoff and reports how many went.
func (s *SQLiteInvocationStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM invocations WHERE timestamp < ?",
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
