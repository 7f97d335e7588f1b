package secretstore

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     *Secret
	fetchedAt time.Time
	ttl       time.Duration
}

// Generation identifies the invalidation state of one path. A read that
// captured a Generation before going to the backend may only fill the cache
// if no invalidation of that path happened meanwhile.
type Generation struct {
	epoch uint64
	path  uint64
}

// Cache holds fetched secrets keyed by logical path. Expiry is checked on
// read; there is no background sweeper. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	gens    map[string]uint64
	epoch   uint64
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache whose entries live for ttl. now may be nil.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns a copy of the entry for path if it is younger than its TTL.
func (c *Cache) Get(path string) (*Secret, bool) {
	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) >= entry.ttl {
		return nil, false
	}
	return entry.value.Clone(), true
}

// Generation returns the current invalidation state of path.
func (c *Cache) Generation(path string) Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Generation{epoch: c.epoch, path: c.gens[path]}
}

// PutIfCurrent stores a copy of s under path unless path was invalidated
// since gen was taken. It reports whether s was stored.
func (c *Cache) PutIfCurrent(path string, s *Secret, gen Generation) bool {
	entry := cacheEntry{
		value:     s.Clone(),
		fetchedAt: c.now(),
		ttl:       c.ttl,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != (Generation{epoch: c.epoch, path: c.gens[path]}) {
		return false
	}
	c.entries[path] = entry
	return true
}

// Invalidate drops the given paths, or everything when none are given.
// Reads in flight for those paths will not repopulate them.
func (c *Cache) Invalidate(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(paths) == 0 {
		c.entries = make(map[string]cacheEntry)
		c.gens = make(map[string]uint64)
		c.epoch++
		return
	}
	for _, p := range paths {
		delete(c.entries, p)
		c.gens[p]++
	}
}

// Len counts entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
