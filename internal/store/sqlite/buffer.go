// Package sqlite is a single-file, serverless BufferStore for deployments
// without Redis or Postgres.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/burstgate/internal/store"
)

//go:embed schema.sql
var schema string

// BufferStore implements store.BufferStore on a local SQLite database.
// One connection serializes every statement, so Append and Drain on a key never interleave.
type BufferStore struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database at path, applying the schema.
func Open(ctx context.Context, path string) (*BufferStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", store.ErrBuffer)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create sqlite dir: %w", store.ErrBuffer, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", store.ErrBuffer, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %w", store.ErrBuffer, pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply sqlite schema: %w", store.ErrBuffer, err)
	}
	return &BufferStore{db: db}, nil
}

// NewBufferStoreFromConfig opens the database named by cfg.SQLitePath.
func NewBufferStoreFromConfig(ctx context.Context, cfg store.StoreConfig) (*BufferStore, error) {
	return Open(ctx, cfg.SQLitePath)
}

func (s *BufferStore) Append(ctx context.Context, key, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buffered_messages (conv_key, content, created_at) VALUES (?, ?, ?)`,
		key, message, time.Now().UnixMilli(),
	)
	return store.WrapErr("append", key, err)
}

func (s *BufferStore) Drain(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM buffered_messages WHERE conv_key = ? RETURNING id, content`, key)
	if err != nil {
		return nil, store.WrapErr("drain", key, err)
	}
	defer rows.Close()

	type row struct {
		id      int64
		content string
	}
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.content); err != nil {
			return nil, store.WrapErr("drain", key, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, store.WrapErr("drain", key, err)
	}

	// SQLite does not guarantee RETURNING order.
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	msgs := make([]string, len(out))
	for i, r := range out {
		msgs[i] = r.content
	}
	return msgs, nil
}

// PendingKeys lists conversation keys that still have buffered rows, sorted.
func (s *BufferStore) PendingKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT conv_key FROM buffered_messages ORDER BY conv_key`)
	if err != nil {
		return nil, store.WrapErr("pending", "", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, store.WrapErr("pending", "", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, store.WrapErr("pending", "", err)
	}
	return keys, nil
}

func (s *BufferStore) Ping(ctx context.Context) error {
	return store.WrapErr("ping", "", s.db.PingContext(ctx))
}

func (s *BufferStore) Close() error { return s.db.Close() }
