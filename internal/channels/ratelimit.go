package channels

import (
	"sync"
	"time"
)

// maxTrackedKeys caps tracked rate-limit keys so rotating source keys
// cannot exhaust memory.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter is a bounded fixed-window rate limiter keyed by
// caller identity (IP or sender id). Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	window  time.Duration
	maxHits int
}

// NewWebhookRateLimiter creates a limiter allowing maxHits per window.
// Zero values fall back to 30 requests per minute.
func NewWebhookRateLimiter(window time.Duration, maxHits int) *WebhookRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if maxHits <= 0 {
		maxHits = 30
	}
	return &WebhookRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  window,
		maxHits: maxHits,
	}
}

// Allow returns true if the key is within limits. Stale entries are pruned
// when approaching the cap; the cap is enforced by hard eviction.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
