package bus

import (
	"strings"
	"sync"
	"time"
)

// DefaultEchoTTL is the window within which an inbound message matching a
// recent outbound send is treated as an echo of ourselves.
const DefaultEchoTTL = 5 * time.Second

const echoMaxEntries = 2048

// EchoCache tracks recently sent messages per conversation so inbound
// handlers can drop echo loops (channels that deliver our own sends back to
// us, or relay bridges that mirror them).
type EchoCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewEchoCache creates an echo cache. ttl <= 0 uses DefaultEchoTTL.
func NewEchoCache(ttl time.Duration) *EchoCache {
	if ttl <= 0 {
		ttl = DefaultEchoTTL
	}
	return &EchoCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// RecordSent registers outbound text and message id for a conversation scope.
func (c *EchoCache) RecordSent(scope, text, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= echoMaxEntries {
		c.pruneLocked(now)
	}
	if t := normalizeEchoText(text); t != "" {
		c.entries[scope+"\x00t\x00"+t] = now
	}
	if messageID != "" {
		c.entries[scope+"\x00m\x00"+messageID] = now
	}
}

// IsEcho reports whether inbound text or message id matches a recent send
// in the same conversation scope.
func (c *EchoCache) IsEcho(scope, text, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if t := normalizeEchoText(text); t != "" {
		if sent, ok := c.entries[scope+"\x00t\x00"+t]; ok && now.Sub(sent) < c.ttl {
			return true
		}
	}
	if messageID != "" {
		if sent, ok := c.entries[scope+"\x00m\x00"+messageID]; ok && now.Sub(sent) < c.ttl {
			return true
		}
	}
	return false
}

func (c *EchoCache) pruneLocked(now time.Time) {
	for k, sent := range c.entries {
		if now.Sub(sent) >= c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= echoMaxEntries {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
}

func normalizeEchoText(text string) string {
	return strings.TrimSpace(text)
}
