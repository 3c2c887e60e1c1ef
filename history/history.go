// Package history persists a log of bridge invocations in SQLite, so hosts
// can show recent processing activity across restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded invocation.
type Entry struct {
	RequestID  string
	InputPath  string
	OutputPath string
	Status     string
	Error      string
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store is a SQLite-backed invocation log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and runs the schema
// migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invocations (
			request_id  TEXT PRIMARY KEY,
			input_path  TEXT NOT NULL,
			output_path TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one invocation.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO invocations (request_id, input_path, output_path, status, error, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.RequestID, e.InputPath, e.OutputPath, e.Status, e.Error,
		e.Duration.Milliseconds(), e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// Recent returns up to limit invocations, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT request_id, input_path, output_path, status, error, duration_ms, created_at FROM invocations ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationMS int64
		var createdAt string
		if err := rows.Scan(&e.RequestID, &e.InputPath, &e.OutputPath, &e.Status, &e.Error, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
