package cache

import (
	"sync"
	"time"

	"buspositions/internal/tile"
)

// MemoryCache is a single-slot cache whose entry expires TTL after Put.
// Concurrent Puts leave the last write in place.
type MemoryCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	value     *tile.Index
	expiresAt time.Time
}

// NewMemoryCache creates a single-slot cache with the given TTL
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl: ttl,
		now: time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now
	return c
}

func (c *MemoryCache) TTL() time.Duration {
	return c.ttl
}

func (c *MemoryCache) Get() (*tile.Index, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.value == nil || !c.now().Before(c.expiresAt) {
		return nil, false
	}
	return c.value, true
}

func (c *MemoryCache) Put(idx *tile.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = idx
	c.expiresAt = c.now().Add(c.ttl)
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = nil
	c.expiresAt = time.Time{}
}
