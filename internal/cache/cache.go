// Package cache provides bounded, expiring in-process caches with optional
// metrics instrumentation.
package cache

import (
	"context"
)

// LoadFunc creates the value for a key that is not cached.
type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

// Store is a keyed cache of values of type V.
type Store[V any] interface {
	// Get returns the cached value and whether it was found.
	Get(ctx context.Context, key string) (V, bool, error)

	// Load returns the cached value, or calls load and caches its result.
	// Concurrent loads of the same key are coalesced into a single call. A
	// failed load is not cached.
	Load(ctx context.Context, key string, load LoadFunc[V]) (V, error)

	Set(ctx context.Context, key string, value V) error

	// Invalidate removes the value for key.
	Invalidate(ctx context.Context, key string) error

	// Close removes every value, releasing any resources they hold.
	Close() error
}
