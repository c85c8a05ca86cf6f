/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package history journals setup runs into a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrInvalidRecord is returned when a record misses its run ID or state.
var ErrInvalidRecord = errors.New("invalid history record")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    state TEXT NOT NULL,
    failed_step TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    iso_path TEXT NOT NULL DEFAULT '',
    interface TEXT NOT NULL DEFAULT '',
    ipv4 TEXT NOT NULL DEFAULT '',
    service_active INTEGER,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);`

// Record is a journaled run.
type Record struct {
	RunID      string
	State      string
	FailedStep string
	Message    string
	ISOPath    string
	Interface  string
	IPv4       string

	// ServiceActive is nil when the status check did not run.
	ServiceActive *bool

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall duration of the run.
func (r Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the run journal.
type Store struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends rec to the journal.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.RunID == "" || rec.State == "" {
		return fmt.Errorf("%w: run id and state are required", ErrInvalidRecord)
	}

	var active sql.NullBool
	if rec.ServiceActive != nil {
		active = sql.NullBool{Bool: *rec.ServiceActive, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (
    run_id, state, failed_step, message, iso_path, interface, ipv4,
    service_active, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID,
		rec.State,
		rec.FailedStep,
		rec.Message,
		rec.ISOPath,
		rec.Interface,
		rec.IPv4,
		active,
		rec.StartedAt.UTC().UnixNano(),
		rec.FinishedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: insert run %s: %w", rec.RunID, err)
	}
	return nil
}

// List returns up to limit records, newest first. A limit <= 0 returns all
// of them.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, state, failed_step, message, iso_path, interface, ipv4,
       service_active, started_at, finished_at
FROM runs
ORDER BY started_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec               Record
			active            sql.NullBool
			started, finished int64
		)
		if err := rows.Scan(
			&rec.RunID, &rec.State, &rec.FailedStep, &rec.Message,
			&rec.ISOPath, &rec.Interface, &rec.IPv4,
			&active, &started, &finished,
		); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		if active.Valid {
			rec.ServiceActive = &active.Bool
		}
		rec.StartedAt = time.Unix(0, started).UTC()
		rec.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}
	return out, nil
}
