package channels

import (
	"fmt"
	"strings"
	"sync"
)

// HistoryEntry is one group message observed while the bot was not addressed.
type HistoryEntry struct {
	SenderName string
	SenderID   string
	Text       string
}

// GroupHistory keeps a bounded per-chat ring of messages that arrived in
// mention-gated groups without addressing the bot. When the bot is finally
// mentioned, the pending context is drained and prepended to the prompt.
type GroupHistory struct {
	mu    sync.Mutex
	rings map[string][]HistoryEntry
	limit int
}

// NewGroupHistory creates a history buffer keeping up to limit entries per
// chat. limit <= 0 disables buffering.
func NewGroupHistory(limit int) *GroupHistory {
	return &GroupHistory{
		rings: make(map[string][]HistoryEntry),
		limit: limit,
	}
}

// Record appends an entry to a chat's ring, evicting the oldest past limit.
func (h *GroupHistory) Record(chatKey string, entry HistoryEntry) {
	if h.limit <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.rings[chatKey], entry)
	if len(ring) > h.limit {
		ring = ring[len(ring)-h.limit:]
	}
	h.rings[chatKey] = ring
}

// Drain returns and clears the pending entries for a chat.
func (h *GroupHistory) Drain(chatKey string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := h.rings[chatKey]
	delete(h.rings, chatKey)
	return ring
}

// FormatContext renders drained entries as a context block for the prompt.
// Returns "" for an empty history.
func FormatContext(entries []HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent group messages:\n")
	for _, e := range entries {
		name := e.SenderName
		if name == "" {
			name = e.SenderID
		}
		fmt.Fprintf(&b, "%s: %s\n", name, e.Text)
	}
	return b.String()
}
