// Package audit persists the bus dispatch history to SQLite.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/EchoPBX/echopbx-kernel/internal/events"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	seq   INTEGER NOT NULL,
	event TEXT NOT NULL,
	ts    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_event ON event_log(event);`

var ErrClosed = errors.New("audit store closed")

// Store is an events.Sink backed by a SQLite file. Seq restarts with every
// bus, so rows are ordered by insertion.
type Store struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

var _ events.Sink = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Append(e events.Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec(
		`INSERT INTO event_log (seq, event, ts) VALUES (?, ?, ?)`,
		e.Seq, e.Event, e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns up to limit entries, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]events.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event, ts FROM (
			SELECT id, seq, event, ts FROM event_log ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Entry
	for rows.Next() {
		var (
			e  events.Entry
			ts string
		)
		if err := rows.Scan(&e.Seq, &e.Event, &ts); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
