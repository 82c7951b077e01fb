package pg

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/nextlevelbuilder/burstgate/internal/store"
)

// PGBufferStore implements store.BufferStore on the buffered_messages table.
//
// Drain is a single DELETE ... RETURNING, so rows inserted after the statement's
// snapshot are left for the next drain.
type PGBufferStore struct {
	db    *sql.DB
	owned bool
}

func NewPGBufferStore(db *sql.DB) *PGBufferStore {
	return &PGBufferStore{db: db}
}

func (s *PGBufferStore) Append(ctx context.Context, key, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buffered_messages (conv_key, content, created_at) VALUES ($1, $2, $3)`,
		key, message, time.Now(),
	)
	return store.WrapErr("append", key, err)
}

func (s *PGBufferStore) Drain(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM buffered_messages WHERE conv_key = $1 RETURNING id, content`, key)
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

	// RETURNING order is unspecified; ids follow insertion order.
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	msgs := make([]string, len(out))
	for i, r := range out {
		msgs[i] = r.content
	}
	return msgs, nil
}

// PendingKeys lists conversation keys that still have buffered rows.
func (s *PGBufferStore) PendingKeys(ctx context.Context) ([]string, error) {
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
	return keys, rows.Err()
}

func (s *PGBufferStore) Ping(ctx context.Context) error {
	return store.WrapErr("ping", "", s.db.PingContext(ctx))
}

// DB exposes the pool for schema checks.
func (s *PGBufferStore) DB() *sql.DB { return s.db }

// Close closes the pool if the store opened it.
func (s *PGBufferStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
