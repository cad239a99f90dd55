// Package kv defines the key-value store used for ephemeral coordination
// state: guardian credentials, phase counters, once-only flags and chunk
// locks. All mutating operations used for coordination are atomic.
package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal contract the orchestrator needs from its key-value
// backend. Values are strings; a zero ttl means no expiry.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key with the given ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value under key only if the key does not exist.
	// It reports whether the write happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments the integer stored under key, creating it
	// at zero first if absent, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the remaining ttl of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
