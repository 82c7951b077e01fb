package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrBuffer marks a connectivity or storage failure in a BufferStore backend.
// Callers must assume the operation did not take effect.
var ErrBuffer = errors.New("buffer store error")

// BufferStore is the ordered, append-only pending-message store keyed by conversation.
//
// Append and Drain on the same key must not corrupt each other: a message whose
// Append is ordered after a Drain stays in the store for the next Drain.
type BufferStore interface {
	// Append adds message to the end of the sequence for key, creating it if needed.
	Append(ctx context.Context, key, message string) error
	// Drain returns the full ordered sequence for key and deletes it atomically.
	// An unknown or empty key yields an empty slice and no error.
	Drain(ctx context.Context, key string) ([]string, error)
	// Close releases the backend connection.
	Close() error
}

// Pinger is implemented by backends that can check connectivity (doctor, health).
type Pinger interface {
	Ping(ctx context.Context) error
}

// WrapErr tags err as a buffer store failure for the given operation.
func WrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s %q: %w", ErrBuffer, op, key, err)
}

// KeyLister is implemented by backends that can enumerate keys with buffered
// messages. Used at startup to re-arm timers for buffers left by a previous process.
type KeyLister interface {
	PendingKeys(ctx context.Context) ([]string, error)
}
