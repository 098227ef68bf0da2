// Package cache defines the cache capability contract consumed by the
// analysis engine and the LLM client, plus an in-process LRU implementation.
package cache

import (
	"context"
	"time"
)

// Backend is the narrow cache contract. TTL semantics: a zero or negative
// ttl means "until evicted". At-least-once delivery is sufficient; callers
// must not assume transactional guarantees.
type Backend interface {
	// Get returns the cached value for key, or found=false on miss/expiry.
	Get(ctx context.Context, key string) (value interface{}, found bool, err error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries.
	Clear(ctx context.Context) error
}

// Stats represents cache statistics.
type Stats struct {
	Items     int     // Number of live entries
	Hits      uint64  // Cache hits
	Misses    uint64  // Cache misses
	Evictions uint64  // Entries evicted by LRU pressure
	Expired   uint64  // Entries expired by TTL
	HitRate   float64 // Hit rate (0.0-1.0)
}
