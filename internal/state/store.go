// internal/state/store.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/threadcore/internal/types"
)

// Store is the SQLite-backed thread and event store. A single write
// connection (SetMaxOpenConns(1)) serializes concurrent appends so every
// append is one indivisible transaction; WAL keeps readers unblocked.
type Store struct {
	db     *sql.DB
	notify func(*types.Event)
}

// Open creates (if needed) and opens the database at path, running
// migrations before returning.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("open store: missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("open store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", p+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetNotifier registers a callback invoked after every successful append,
// with the stored event. Delivery is at-least-once; receivers must be
// idempotent on Event.ID. Must be set before concurrent use begins.
func (s *Store) SetNotifier(fn func(*types.Event)) {
	s.notify = fn
}

// CreateThread inserts a new empty thread and returns its metadata.
func (s *Store) CreateThread(ctx context.Context) (*types.ThreadMeta, error) {
	id := types.NewThreadID()
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, created_at, updated_at, last_seq) VALUES (?, ?, ?, 0)`,
		string(id), nowStr, nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	return &types.ThreadMeta{ID: id, CreatedAt: now, UpdatedAt: now}, nil
}

// GetThread returns the thread row, or types.ErrNotFound.
func (s *Store) GetThread(ctx context.Context, id types.ThreadID) (*types.ThreadMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, last_seq FROM threads WHERE id = ?`, string(id))
	meta, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get thread %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return meta, nil
}

// ListThreads returns all threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context) ([]*types.ThreadMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, updated_at, last_seq FROM threads ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []*types.ThreadMeta
	for rows.Next() {
		meta, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		threads = append(threads, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list threads: rows: %w", err)
	}
	return threads, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*types.ThreadMeta, error) {
	var meta types.ThreadMeta
	var id, createdAt, updatedAt string
	if err := row.Scan(&id, &createdAt, &updatedAt, &meta.LastSeq); err != nil {
		return nil, err
	}
	meta.ID = types.ThreadID(id)

	var err error
	meta.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	meta.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &meta, nil
}
