package work

import (
	"sync"
	"time"
)

// SkipCache remembers per key that an item was checked and needs no work.
// Entries expire after ttl and are removed by Invalidate when the key's data changes.
type SkipCache struct {
	entries map[string]skipEntry
	now     func() time.Time
	ttl     time.Duration
	mu      sync.Mutex
}

type skipEntry struct {
	reason  string
	expires time.Time
}

// NewSkipCache creates a cache. A non-positive ttl keeps entries until invalidated.
func NewSkipCache(ttl time.Duration) *SkipCache {
	return &SkipCache{
		entries: make(map[string]skipEntry),
		now:     time.Now,
		ttl:     ttl,
	}
}

// MarkSkip records that key needs no work
func (c *SkipCache) MarkSkip(key, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	c.entries[key] = skipEntry{reason: reason, expires: expires}
}

// ShouldSkip returns whether key is marked and the recorded reason
func (c *SkipCache) ShouldSkip(key string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, ""
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return false, ""
	}
	return true, e.reason
}

// Invalidate removes key. It satisfies the change detector's Invalidator.
func (c *SkipCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries
func (c *SkipCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]skipEntry)
}

// Len returns the number of entries, including expired ones not yet evicted
func (c *SkipCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
