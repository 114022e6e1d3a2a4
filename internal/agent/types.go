// Package agent owns one conversational turn: resolving the effective
// model, executing the run with fallback and timeout handling, and
// folding usage back into the session entry.
package agent

import (
	"fmt"
	"time"
)

// ReplyPayload is one deliverable unit produced by a run. A run may yield
// several payloads (text chunks, media, tool summaries) that the dispatcher
// delivers in order.
type ReplyPayload struct {
	Text        string            `json:"text,omitempty"`
	MediaURL    string            `json:"mediaUrl,omitempty"`
	MediaURLs   []string          `json:"mediaUrls,omitempty"`
	ChannelData map[string]any    `json:"channelData,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Threading directives, resolved by the dispatcher.
	ReplyToID      string `json:"replyToId,omitempty"`
	ReplyToCurrent bool   `json:"replyToCurrent,omitempty"`
	ReplyToTag     bool   `json:"replyToTag,omitempty"`

	AudioAsVoice bool `json:"audioAsVoice,omitempty"`

	// IsReasoning marks intermediate thinking output; suppressed unless
	// the session's verbose level asks for it.
	IsReasoning bool `json:"isReasoning,omitempty"`
}

// HasContent reports whether the payload would render anything on a channel.
func (p ReplyPayload) HasContent() bool {
	return p.Text != "" || p.MediaURL != "" || len(p.MediaURLs) > 0
}

// Usage is the token accounting for one run.
type Usage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cacheRead,omitempty"`
	CacheWrite int64 `json:"cacheWrite,omitempty"`
	Context    int64 `json:"context,omitempty"`
}

// Total returns input+output tokens.
func (u Usage) Total() int64 { return u.Input + u.Output }

// Add merges another usage sample in.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	if other.Context > u.Context {
		u.Context = other.Context
	}
}

// RunRequest describes one agent turn.
type RunRequest struct {
	SessionKey string
	SessionID  string
	AgentID    string

	// Message is the (already sanitized) inbound text.
	Message string

	// Prepended context (group history, system notes).
	Context string

	Channel   string
	AccountID string
	ChatID    string
	ThreadID  string
	SenderID  string

	// Overrides in ascending precedence below the session entry.
	ModelOverride    string // per-job / per-hook override, beats everything
	ThinkingOverride string

	// Timeout bounds the run; zero falls back to the agent default. An
	// explicitly unbounded run sets NoTimeout instead, since a zero
	// Timeout cannot be told apart from "unset".
	Timeout   time.Duration
	NoTimeout bool
}

// RunMeta records what actually executed.
type RunMeta struct {
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model"`
	FallbackUsed bool          `json:"fallbackUsed,omitempty"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
	Usage        Usage         `json:"usage"`
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Payloads []ReplyPayload
	Meta     RunMeta
}

// AbortError marks a run that was stopped before producing a result. Reason
// is a short machine token ("timeout", "cancelled", "killed").
type AbortError struct {
	Reason string
	Err    error
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("run aborted (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("run aborted (%s)", e.Reason)
}

func (e *AbortError) Unwrap() error { return e.Err }

// RetryableError wraps a provider failure that a fallback model may recover
// from (overload, rate limit, transient transport faults).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }
