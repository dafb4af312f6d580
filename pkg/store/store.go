// Package store defines the minimal key/value contract every stateful
// component can be backed by. An in-process implementation lives in
// store/memory and a redis-backed one in store/redis; callers that need
// state shared across processes swap one for the other.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrEmptyKey   = errors.New("store: key is required")
	ErrNotInteger = errors.New("store: value is not an integer")
	ErrConflict   = errors.New("store: update kept conflicting with concurrent writers")
)

// UpdateFunc receives the current value of a key (ok is false when the key
// is absent) and returns the value to write with its ttl. A nil next deletes
// the key. It may run more than once and must not call the store.
type UpdateFunc func(current []byte, ok bool) (next []byte, ttl time.Duration, err error)

// Store is the storage surface shared by the cache, limiter, session,
// token and monitor backings. A ttl <= 0 means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Increment adds one to the integer at key and returns the new value.
	// The ttl is applied only when the increment creates the key.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Update runs a read-modify-write of key atomically with respect to every
	// other write of that key. An error from fn aborts without writing and is
	// returned as is.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Key joins non-empty parts with ':'.
func Key(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ":")
}
