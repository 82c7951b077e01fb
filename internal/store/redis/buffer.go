// Package redis backs the pending-message buffer with Redis lists.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/burstgate/internal/store"
)

// BufferStore keeps each conversation's pending messages in a Redis list at prefix+key.
//
// Append is RPUSH. Drain runs LRANGE and DEL inside MULTI/EXEC, so Redis executes
// both as one unit and a concurrent RPUSH lands either before the read or in a
// fresh list after the delete.
type BufferStore struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// NewBufferStore wraps an existing client. The caller keeps ownership of client.
func NewBufferStore(client goredis.UniversalClient, prefix string) *BufferStore {
	return &BufferStore{client: client, prefix: prefix}
}

// Open dials Redis from cfg and verifies the connection with PING.
func Open(ctx context.Context, cfg store.StoreConfig) (*BufferStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: connect redis %s: %w", store.ErrBuffer, cfg.RedisAddr, err)
	}
	s := NewBufferStore(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

func (s *BufferStore) listKey(key string) string {
	return s.prefix + key
}

func (s *BufferStore) Append(ctx context.Context, key, message string) error {
	if err := s.client.RPush(ctx, s.listKey(key), message).Err(); err != nil {
		return store.WrapErr("append", key, err)
	}
	return nil
}

func (s *BufferStore) Drain(ctx context.Context, key string) ([]string, error) {
	lk := s.listKey(key)
	var lrange *goredis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		lrange = pipe.LRange(ctx, lk, 0, -1)
		pipe.Del(ctx, lk)
		return nil
	})
	if err != nil {
		return nil, store.WrapErr("drain", key, err)
	}
	msgs, err := lrange.Result()
	if err != nil && err != goredis.Nil {
		return nil, store.WrapErr("drain", key, err)
	}
	if msgs == nil {
		msgs = []string{}
	}
	return msgs, nil
}

// PendingKeys lists buffered conversation keys with SCAN over prefix*.
// With an empty prefix buffer lists cannot be told apart from other keys, so
// nothing is reported.
func (s *BufferStore) PendingKeys(ctx context.Context) ([]string, error) {
	if s.prefix == "" {
		return nil, nil
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, store.WrapErr("scan", s.prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *BufferStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.WrapErr("ping", "", err)
	}
	return nil
}

// Close closes the client if Open created it.
func (s *BufferStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
