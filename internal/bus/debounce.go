package bus

import (
	"strings"
	"sync"
	"time"
)

// FlushFunc receives the merged message for a conversation batch.
type FlushFunc func(msg InboundMessage)

type pendingBatch struct {
	entries []InboundMessage
	timer   *time.Timer
}

// InboundDebouncer merges rapid consecutive messages from the same
// conversation before they reach the dispatch pipeline. Each push starts or
// extends a per-conversation timer; on expiry the batch is flushed as one
// message. Messages carrying control commands or attachments bypass the
// debounce window and flush immediately (any pending batch flushes first to
// preserve ordering).
type InboundDebouncer struct {
	mu      sync.Mutex
	pending map[string]*pendingBatch
	window  time.Duration
	onFlush FlushFunc
	stopped bool
}

// NewInboundDebouncer creates a debouncer with the given window.
func NewInboundDebouncer(window time.Duration, onFlush FlushFunc) *InboundDebouncer {
	return &InboundDebouncer{
		pending: make(map[string]*pendingBatch),
		window:  window,
		onFlush: onFlush,
	}
}

// Push enqueues a message. The debounce key is (channel, chat, sender) so
// concurrent senders in a group don't get merged together.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 || shouldBypassDebounce(msg) {
		d.flushKeyNow(debounceKey(msg))
		d.onFlush(msg)
		return
	}

	key := debounceKey(msg)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.onFlush(msg)
		return
	}

	batch, ok := d.pending[key]
	if !ok {
		batch = &pendingBatch{}
		d.pending[key] = batch
	}
	batch.entries = append(batch.entries, msg)

	if batch.timer != nil {
		batch.timer.Stop()
	}
	batch.timer = time.AfterFunc(d.window, func() {
		d.flushKeyNow(key)
	})
	d.mu.Unlock()
}

// Stop flushes all pending batches and prevents further batching.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.stopped = true
	d.mu.Unlock()

	for _, k := range keys {
		d.flushKeyNow(k)
	}
}

func (d *InboundDebouncer) flushKeyNow(key string) {
	d.mu.Lock()
	batch, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
		if batch.timer != nil {
			batch.timer.Stop()
		}
	}
	d.mu.Unlock()

	if !ok || len(batch.entries) == 0 {
		return
	}
	d.onFlush(mergeBatch(batch.entries))
}

// mergeBatch folds a batch into one message: a single entry passes through
// unchanged; multiple entries keep the LAST envelope (most recent message id
// and metadata) with the texts newline-joined in arrival order.
func mergeBatch(entries []InboundMessage) InboundMessage {
	if len(entries) == 1 {
		return entries[0]
	}

	merged := entries[len(entries)-1]
	texts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Content != "" {
			texts = append(texts, e.Content)
		}
		merged.MentionedMe = merged.MentionedMe || e.MentionedMe
	}
	merged.Content = strings.Join(texts, "\n")
	return merged
}

func debounceKey(msg InboundMessage) string {
	return msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID
}

func shouldBypassDebounce(msg InboundMessage) bool {
	if len(msg.Media) > 0 {
		return true
	}
	trimmed := strings.TrimSpace(msg.Content)
	return strings.HasPrefix(trimmed, "/")
}
