package store

import (
	"context"
	"time"
)

// Store is a key-value store with per-key expiry and atomic increment.
// It holds the only cross-restart mutable state of the engine: executed
// signal counters, symbol bans and order signatures. All mutation is
// atomic at the key level so concurrent process instances never race.
type Store interface {
	// Incr atomically increments the counter at key and returns the new
	// value. The ttl applies when the key is created or had expired.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value at key, reporting absence of a live key.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only when no live key exists. Returns true when
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes the key.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key with the given prefix and returns
	// how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}
