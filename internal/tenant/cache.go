package tenant

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// cache is a TTL cache for decrypted tenant configs. Reads are the hot path;
// writes happen on miss and on invalidation.
type cache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	value     *TenantWithConfig
	expiresAt time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		entries: make(map[uuid.UUID]cacheEntry),
		ttl:     ttl,
	}
}

func (c *cache) get(id uuid.UUID) (*TenantWithConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// getOrLoad returns the cached value or populates it from the loader.
// Concurrent misses may race the loader; last write wins, which is harmless
// for read-mostly config data.
func (c *cache) getOrLoad(id uuid.UUID, loader func() (*TenantWithConfig, error)) (*TenantWithConfig, error) {
	if v, ok := c.get(id); ok {
		return v, nil
	}

	v, err := loader()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[id] = cacheEntry{value: v, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return v, nil
}

func (c *cache) invalidate(id uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
