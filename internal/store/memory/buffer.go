// Package memory is an in-process BufferStore. Pending messages do not survive a
// restart; use it for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
)

// BufferStore keeps pending messages in a map guarded by a single mutex.
type BufferStore struct {
	mu   sync.Mutex
	data map[string][]string
}

// NewBufferStore creates an empty in-memory store.
func NewBufferStore() *BufferStore {
	return &BufferStore{data: make(map[string][]string)}
}

func (s *BufferStore) Append(_ context.Context, key, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append(s.data[key], message)
	return nil
}

func (s *BufferStore) Drain(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.data[key]
	delete(s.data, key)
	if msgs == nil {
		return []string{}, nil
	}
	return msgs, nil
}

// Len returns the number of messages pending for key.
func (s *BufferStore) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[key])
}

// PendingKeys lists keys with buffered messages, sorted.
func (s *BufferStore) PendingKeys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *BufferStore) Ping(context.Context) error { return nil }

func (s *BufferStore) Close() error { return nil }
