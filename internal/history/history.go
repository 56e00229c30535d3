// Package history keeps an append-only SQLite record of report snapshots.
// Rows are only read back for display; nothing here seeds tracker or
// aggregator state.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NodePath81/lossmon/internal/report"
	_ "github.com/mattn/go-sqlite3"
)

var ErrClosed = errors.New("history store is closed")

const schema = `CREATE TABLE IF NOT EXISTS reports (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id  TEXT    NOT NULL,
	taken_at INTEGER NOT NULL,
	received INTEGER NOT NULL,
	lost     INTEGER NOT NULL,
	devices  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_taken_at ON reports(taken_at);`

// Row is one stored report. TakenAt is Unix milliseconds.
type Row struct {
	ID       int64  `json:"id"`
	NodeID   string `json:"node_id"`
	TakenAt  int64  `json:"taken_at"`
	Received uint64 `json:"received"`
	Lost     uint64 `json:"lost"`
	Devices  int    `json:"devices"`
}

type Store struct {
	db        *sql.DB
	retention time.Duration
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Open creates the database file if needed. A retention of zero keeps
// every row.
func Open(path string, retention time.Duration) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return &Store{db: db, retention: retention}, nil
}

// Record stores snap and prunes rows older than the retention window.
func (s *Store) Record(ctx context.Context, snap report.Snapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	takenAt := snap.Time.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (node_id, taken_at, received, lost, devices) VALUES (?, ?, ?, ?, ?)`,
		snap.NodeID, takenAt, int64(snap.Received), int64(snap.Lost), snap.Devices)
	if err != nil {
		return fmt.Errorf("history insert: %w", err)
	}
	if s.retention <= 0 {
		return nil
	}
	cutoff := snap.Time.Add(-s.retention).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE taken_at < ?`, cutoff); err != nil {
		return fmt.Errorf("history prune: %w", err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return []Row{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, node_id, taken_at, received, lost, devices FROM reports ORDER BY taken_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]Row, 0, limit)
	for rows.Next() {
		var (
			row            Row
			received, lost int64
		)
		if err := rows.Scan(&row.ID, &row.NodeID, &row.TakenAt, &received, &lost, &row.Devices); err != nil {
			return nil, err
		}
		row.Received = uint64(received)
		row.Lost = uint64(lost)
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.db.Close()
	})
	return err
}
