// Package cacher provides read-through caches with stampede protection. The
// license server uses them for product-version snapshots that every
// verification needs.
package cacher

import (
	"context"
	"time"
)

// FetchFunc loads a value from the source of truth on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values of type T by string key. Implementations are safe for
// concurrent use and run at most one FetchFunc per key at a time within a
// process.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, caches
	// its result for ttl and returns it. Fetch errors are not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live duration for the cached value
	//   - fetchFn: Function to fetch the value if not in cache
	//
	// Returns:
	//   - The cached or fetched value of type T
	//   - An error if retrieval or fetching fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix deletes all keys starting with prefix and returns how
	// many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Clear removes every item this cache owns.
	Clear(ctx context.Context) error

	// ItemCount returns the number of cached items.
	ItemCount(ctx context.Context) (int, error)
}
