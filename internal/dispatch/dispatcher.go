// Package dispatch turns agent run output into ordered channel deliveries:
// threading resolution, renderability filtering, chunking, and best-effort
// sends.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/zwright8/openclaw-sub006/internal/agent"
	"github.com/zwright8/openclaw-sub006/internal/bus"
)

// ThreadingMode controls implicit reply threading.
type ThreadingMode string

const (
	// ThreadOff sends plain messages; only explicit reply tags thread.
	ThreadOff ThreadingMode = "off"
	// ThreadFirst threads the first delivered payload onto the triggering
	// message.
	ThreadFirst ThreadingMode = "first"
	// ThreadAlways threads every payload.
	ThreadAlways ThreadingMode = "always"
)

// Sender delivers one outbound message. channels.Manager satisfies this.
type Sender interface {
	SendToChannel(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error)
}

// Options is the delivery context for one run's payloads.
type Options struct {
	Channel   string
	AccountID string
	ChatID    string
	ThreadID  string

	// CurrentMessageID is the inbound message that triggered the run;
	// the target for replyToCurrent and implicit threading.
	CurrentMessageID string

	Threading  ThreadingMode
	ChunkLimit int

	// ShowReasoning delivers reasoning payloads (italicized) instead of
	// suppressing them.
	ShowReasoning bool

	// DeliveredDuringRun holds texts the run already pushed through a
	// messaging tool; matching final payloads are skipped to avoid
	// double-sends.
	DeliveredDuringRun []string

	// BestEffort logs a failed send and keeps going instead of aborting
	// the delivery.
	BestEffort bool
}

// Dispatcher fans run payloads out to a channel in order, awaiting each
// send so replies arrive in the sequence the agent produced them.
type Dispatcher struct {
	sender Sender
}

func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// replyTagPattern matches an explicit threading directive in payload text.
var replyTagPattern = regexp.MustCompile(`\[\[reply-to:([^\]\s]+)\]\]`)

// ParseReplyTag extracts the first reply directive and returns the text
// with all directives stripped.
func ParseReplyTag(text string) (cleaned, replyTo string) {
	if m := replyTagPattern.FindStringSubmatch(text); m != nil {
		replyTo = m[1]
	}
	cleaned = strings.TrimSpace(replyTagPattern.ReplaceAllString(text, ""))
	return cleaned, replyTo
}

// Deliver sends the run's payloads in order and returns how many messages
// went out. A failed send aborts the delivery and propagates unless
// opts.BestEffort is set, in which case it is logged and skipped.
func (d *Dispatcher) Deliver(ctx context.Context, payloads []agent.ReplyPayload, opts Options) (int, error) {
	delivered := 0
	for _, p := range payloads {
		for _, msg := range d.render(p, opts, delivered == 0) {
			if _, err := d.sender.SendToChannel(ctx, msg); err != nil {
				if !opts.BestEffort {
					return delivered, fmt.Errorf("deliver to %s:%s: %w", msg.Channel, msg.ChatID, err)
				}
				slog.Warn("payload delivery failed",
					"channel", msg.Channel, "chat_id", msg.ChatID,
					"error", fmt.Sprintf("%v", err))
				continue
			}
			delivered++
		}
	}
	return delivered, nil
}

// render resolves one payload into zero or more outbound messages.
func (d *Dispatcher) render(p agent.ReplyPayload, opts Options, first bool) []bus.OutboundMessage {
	if p.IsReasoning {
		if !opts.ShowReasoning || p.Text == "" {
			return nil
		}
		p.Text = "_" + p.Text + "_"
	}

	text, taggedReply := ParseReplyTag(p.Text)
	if agent.IsSilentReply(text) {
		return nil
	}

	if d.alreadyDelivered(text, opts.DeliveredDuringRun) {
		slog.Debug("skipping payload already sent during run", "chars", len(text))
		return nil
	}

	media := p.MediaURLs
	if p.MediaURL != "" {
		media = append([]string{p.MediaURL}, media...)
	}
	if text == "" && len(media) == 0 {
		return nil
	}

	replyTo := d.resolveReplyTarget(p, taggedReply, opts, first)

	var out []bus.OutboundMessage
	chunks := []string{text}
	if text != "" {
		chunks = ChunkMessage(text, opts.ChunkLimit)
	}
	for i, chunk := range chunks {
		msg := bus.OutboundMessage{
			Channel:   opts.Channel,
			AccountID: opts.AccountID,
			ChatID:    opts.ChatID,
			ThreadID:  opts.ThreadID,
			Content:   chunk,
		}
		if i == 0 {
			msg.ReplyToID = replyTo
			for _, url := range media {
				msg.Media = append(msg.Media, bus.MediaAttachment{URL: url, AsVoice: p.AudioAsVoice})
			}
		}
		if len(p.Metadata) > 0 {
			msg.Metadata = p.Metadata
		}
		out = append(out, msg)
	}
	return out
}

// resolveReplyTarget applies the threading rules in precedence order:
// explicit tag, replyToId, replyToCurrent, then the threading mode.
func (d *Dispatcher) resolveReplyTarget(p agent.ReplyPayload, taggedReply string, opts Options, first bool) string {
	switch {
	case taggedReply != "":
		return taggedReply
	case p.ReplyToID != "":
		return p.ReplyToID
	case p.ReplyToCurrent:
		return opts.CurrentMessageID
	}
	switch opts.Threading {
	case ThreadAlways:
		return opts.CurrentMessageID
	case ThreadFirst:
		if first {
			return opts.CurrentMessageID
		}
	}
	return ""
}

func (d *Dispatcher) alreadyDelivered(text string, sent []string) bool {
	if text == "" {
		return false
	}
	norm := strings.TrimSpace(text)
	for _, s := range sent {
		if strings.TrimSpace(s) == norm {
			return true
		}
	}
	return false
}
