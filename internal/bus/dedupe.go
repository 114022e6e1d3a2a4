package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL + size bounded set of recently seen keys. Used to
// suppress duplicate inbound deliveries from webhook retries and double-taps.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	max     int
	now     func() time.Time
}

// NewDedupeCache creates a cache with the given TTL and max entry count.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// IsDuplicate records the key and reports whether it was already present
// within the TTL window.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seen, ok := c.entries[key]; ok && now.Sub(seen) < c.ttl {
		return true
	}

	if len(c.entries) >= c.max {
		c.pruneLocked(now)
	}
	c.entries[key] = now
	return false
}

func (c *DedupeCache) pruneLocked(now time.Time) {
	for k, seen := range c.entries {
		if now.Sub(seen) >= c.ttl {
			delete(c.entries, k)
		}
	}
	// Hard eviction if everything is still fresh.
	for len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
}
