package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	now := time.Now()
	c := NewDedupeCache(time.Minute, 100)
	c.now = func() time.Time { return now }

	if c.IsDuplicate("tg|c|m1") {
		t.Error("first sighting should not be a duplicate")
	}
	if !c.IsDuplicate("tg|c|m1") {
		t.Error("second sighting within TTL should be a duplicate")
	}
	if c.IsDuplicate("tg|c|m2") {
		t.Error("distinct key should not be a duplicate")
	}

	now = now.Add(2 * time.Minute)
	if c.IsDuplicate("tg|c|m1") {
		t.Error("sighting after TTL expiry should not be a duplicate")
	}
}

func TestDedupeCacheEviction(t *testing.T) {
	c := NewDedupeCache(time.Hour, 10)
	for i := 0; i < 50; i++ {
		c.IsDuplicate(fmt.Sprintf("key-%d", i))
	}
	if len(c.entries) > 10 {
		t.Errorf("cache grew past max: %d entries", len(c.entries))
	}
}
