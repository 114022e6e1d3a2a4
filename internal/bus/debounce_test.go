package bus

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu   sync.Mutex
	msgs []InboundMessage
}

func (r *flushRecorder) flush(msg InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *flushRecorder) snapshot() []InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InboundMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *flushRecorder) waitFor(t *testing.T, n int) []InboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := r.snapshot(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flushes, got %d", n, len(r.snapshot()))
	return nil
}

func TestDebouncerMergesBurst(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(30*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "one", MessageID: "m1"})
	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "two", MessageID: "m2"})
	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "three", MessageID: "m3", MentionedMe: false})

	msgs := rec.waitFor(t, 1)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 merged flush, got %d", len(msgs))
	}
	if msgs[0].Content != "one\ntwo\nthree" {
		t.Errorf("merged content = %q", msgs[0].Content)
	}
	// Envelope follows the last message in the batch.
	if msgs[0].MessageID != "m3" {
		t.Errorf("merged message id = %q, want m3", msgs[0].MessageID)
	}
}

func TestDebouncerMergePreservesMention(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(30*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "hey bot", MentionedMe: true})
	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "you there?"})

	msgs := rec.waitFor(t, 1)
	if !msgs[0].MentionedMe {
		t.Error("merged message lost MentionedMe")
	}
}

func TestDebouncerSeparateKeys(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(30*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "alice", Content: "a"})
	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "bob", Content: "b"})

	msgs := rec.waitFor(t, 2)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 flushes for distinct senders, got %d", len(msgs))
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "\n") {
			t.Errorf("messages from different senders were merged: %q", m.Content)
		}
	}
}

func TestDebouncerBypass(t *testing.T) {
	tests := []struct {
		name string
		msg  InboundMessage
	}{
		{"command", InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "/status"}},
		{"command with leading space", InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "  /reset"}},
		{"attachment", InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "see pic", Media: []string{"/tmp/a.jpg"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &flushRecorder{}
			d := NewInboundDebouncer(time.Hour, rec.flush)
			defer d.Stop()

			d.Push(tt.msg)
			if msgs := rec.snapshot(); len(msgs) != 1 {
				t.Fatalf("expected immediate flush, got %d", len(msgs))
			}
		})
	}
}

func TestDebouncerBypassFlushesPendingFirst(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(time.Hour, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "context first"})
	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "/run"})

	msgs := rec.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected pending batch + command, got %d flushes", len(msgs))
	}
	if msgs[0].Content != "context first" {
		t.Errorf("pending batch should flush before the command, got %q first", msgs[0].Content)
	}
	if msgs[1].Content != "/run" {
		t.Errorf("command should flush second, got %q", msgs[1].Content)
	}
}

func TestDebouncerZeroWindowPassesThrough(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(0, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "plain"})
	if msgs := rec.snapshot(); len(msgs) != 1 {
		t.Fatalf("expected immediate flush with zero window, got %d", len(msgs))
	}
}

func TestDebouncerStopFlushesPending(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(time.Hour, rec.flush)

	d.Push(InboundMessage{Channel: "tg", ChatID: "c", SenderID: "u", Content: "pending"})
	d.Stop()

	msgs := rec.snapshot()
	if len(msgs) != 1 || msgs[0].Content != "pending" {
		t.Fatalf("Stop should flush pending batches, got %v", msgs)
	}
}
