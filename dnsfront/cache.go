package dnsfront

import (
	"sync"
	"time"

	"localmesh/domain"
	"localmesh/helpers"
	"localmesh/interfaces"
)

// cacheEntry keeps the full healthy instance list returned by the registry,
// not a single pick, so random selection stays uniform across cached replies.
type cacheEntry struct {
	instances  []domain.Instance
	insertedAt time.Time
}

// Cache is the short-TTL resolve cache of the DNS front-end. Expired entries
// are retained for one full TTL beyond expiry so they can serve as a
// last-resort fallback when the registry is unreachable; the janitor drops
// them after that.
type Cache struct {
	clock interfaces.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a Cache with the given entry TTL. Panics on nil clock.
func NewCache(ttl time.Duration, clock interfaces.Clock) *Cache {
	return &Cache{
		clock:   helpers.NilPanic(clock, "dnsfront.cache.go: clock is required"),
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached instance list for name. fresh reports whether the
// entry is within its TTL; an expired entry is still returned (ok true) for
// fallback use and is never upgraded to fresh.
func (c *Cache) Get(name string) (instances []domain.Instance, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[name]
	if !found {
		return nil, false, false
	}
	age := c.clock.Now().Sub(entry.insertedAt)
	return entry.instances, age < c.ttl, true
}

// Put stores the full healthy list for name.
func (c *Cache) Put(name string, instances []domain.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = cacheEntry{instances: instances, insertedAt: c.clock.Now()}
}

// Sweep drops entries past the fallback retention window (2×TTL). Returns
// the number of dropped entries.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for name, entry := range c.entries {
		if now.Sub(entry.insertedAt) >= 2*c.ttl {
			delete(c.entries, name)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of cached names.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
