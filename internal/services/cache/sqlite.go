package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const createStoreTable = `
CREATE TABLE IF NOT EXISTS semantic_cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// SQLiteStore is a single-file durable tier for deployments without Redis.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One writer at a time; Iterate buffers rows before visiting.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createStoreTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM semantic_cache WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO semantic_cache (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache remove: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Iterate(ctx context.Context, visit func(key string, value []byte) bool) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM semantic_cache`)
	if err != nil {
		return fmt.Errorf("cache iterate: %w", err)
	}

	type row struct {
		key   string
		value []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("cache iterate: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("cache iterate: %w", err)
	}
	rows.Close()

	for _, r := range all {
		if !visit(r.key, r.value) {
			return nil
		}
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
