package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/casetrace/casetrace/internal/logging"
)

// MemoryConfig holds configuration for the in-process cache.
type MemoryConfig struct {
	MaxEntries int           // LRU capacity (default: 4096)
	DefaultTTL time.Duration // TTL applied when Set receives ttl <= 0 (0 = no expiry)
}

// DefaultMemoryConfig returns default cache configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxEntries: 4096,
		DefaultTTL: 0,
	}
}

type entry struct {
	value     interface{}
	expiresAt time.Time // zero means no expiry
}

// MemoryCache is an LRU cache with per-entry TTL. Mutations are serialized
// under a single mutex; reads take the same lock because a Get of an expired
// entry removes it.
type MemoryCache struct {
	lru    *lru.Cache[string, *entry]
	ttl    time.Duration
	mu     sync.Mutex
	logger *logging.Logger

	// Metrics (atomic)
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// NewMemoryCache creates an in-process cache backend.
func NewMemoryCache(config MemoryConfig) (*MemoryCache, error) {
	if config.MaxEntries <= 0 {
		return nil, fmt.Errorf("MaxEntries must be positive, got %d", config.MaxEntries)
	}

	mc := &MemoryCache{
		ttl:    config.DefaultTTL,
		logger: logging.GetLogger("cache"),
	}

	lruCache, err := lru.NewWithEvict[string, *entry](config.MaxEntries, func(key string, _ *entry) {
		atomic.AddUint64(&mc.evictions, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	mc.lru = lruCache

	mc.logger.Debug("Memory cache initialized: maxEntries=%d, defaultTTL=%v", config.MaxEntries, config.DefaultTTL)
	return mc, nil
}

// Get implements Backend.Get.
func (mc *MemoryCache) Get(_ context.Context, key string) (interface{}, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	ent, ok := mc.lru.Get(key)
	if !ok {
		atomic.AddUint64(&mc.misses, 1)
		return nil, false, nil
	}

	if !ent.expiresAt.IsZero() && time.Now().After(ent.expiresAt) {
		mc.lru.Remove(key)
		atomic.AddUint64(&mc.expired, 1)
		atomic.AddUint64(&mc.misses, 1)
		return nil, false, nil
	}

	atomic.AddUint64(&mc.hits, 1)
	return ent.value, true, nil
}

// Set implements Backend.Set.
func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = mc.ttl
	}

	ent := &entry{value: value}
	if ttl > 0 {
		ent.expiresAt = time.Now().Add(ttl)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.lru.Add(key, ent)
	return nil
}

// Delete implements Backend.Delete.
func (mc *MemoryCache) Delete(_ context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.lru.Remove(key)
	return nil
}

// Clear implements Backend.Clear.
func (mc *MemoryCache) Clear(_ context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.lru.Purge()
	// Purge fires the eviction callback for every entry; those were not
	// evictions under pressure, so undo the counting.
	atomic.StoreUint64(&mc.evictions, 0)
	return nil
}

// Stats returns cache statistics.
func (mc *MemoryCache) Stats() Stats {
	mc.mu.Lock()
	items := mc.lru.Len()
	mc.mu.Unlock()

	hits := atomic.LoadUint64(&mc.hits)
	misses := atomic.LoadUint64(&mc.misses)
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Items:     items,
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadUint64(&mc.evictions),
		Expired:   atomic.LoadUint64(&mc.expired),
		HitRate:   hitRate,
	}
}
