package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a small in-process TTL key/value store.
//
// All operations share one coarse mutex, which serializes cache traffic but
// keeps every operation atomic; call volume is low relative to the network
// calls the cache shields. The first Get that observes an expired entry
// sweeps every expired entry out of the map, so there is no background
// reaper or per-entry timer. There is no size bound.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Set stores value under key for ttl, overwriting any existing entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
}

// Get returns the value stored under key. A missing or expired key is a
// miss, not an error. Observing an expired entry evicts all expired entries,
// so a Get never returns a value whose expiry has passed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	current := c.now()
	if e.expiresAt.After(current) {
		return e.value, true
	}

	for k, v := range c.entries {
		if !v.expiresAt.After(current) {
			delete(c.entries, k)
		}
	}

	return nil, false
}

// Len reports the number of entries currently held, including entries whose
// expiry has passed but have not been swept yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
