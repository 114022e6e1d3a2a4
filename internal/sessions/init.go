package sessions

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zwright8/openclaw-sub006/internal/channels"
)

// DefaultResetTriggers start a fresh session when received as a command.
var DefaultResetTriggers = []string{"/new", "/reset"}

// ResetPolicy controls when an existing session is considered stale.
type ResetPolicy struct {
	Triggers   []string      // nil = DefaultResetTriggers
	DirectIdle time.Duration // 0 = never idle out
	GroupIdle  time.Duration // 0 = inherit DirectIdle
}

// Hooks observe session lifecycle transitions. Both are optional and
// called outside the store lock.
type Hooks struct {
	OnSessionStart func(key string, e Entry)
	OnSessionEnd   func(key string, e Entry)
}

// InitParams is the input to InitSessionState.
type InitParams struct {
	Store         *Store
	TranscriptDir string

	AgentID   string
	Channel   string
	AccountID string
	PeerKind  PeerKind
	ChatID    string
	ThreadID  string
	Content   string

	DisplayName string
	Scope       string
	DmScope     string
	MainKey     string

	Policy ResetPolicy
	Hooks  Hooks

	// ParentSessionKey forks the new session from an existing transcript.
	ParentSessionKey string
}

// InitResult describes the resolved session.
type InitResult struct {
	Key      string
	Entry    Entry
	IsNew    bool
	WasReset bool
	Trigger  string // the reset trigger that fired, if any
}

// InitSessionState resolves or creates the session entry for an inbound
// dispatch: scope resolution, reset-trigger detection, idle-freshness
// evaluation, UUID minting, fork-from-parent, delivery-context derivation,
// transcript archiving, and lifecycle hooks.
func InitSessionState(p InitParams) (InitResult, error) {
	key := BuildScopedSessionKey(p.AgentID, p.Channel, p.AccountID, p.PeerKind, p.ChatID, p.Scope, p.DmScope, p.MainKey)

	prev, exists, err := p.Store.Get(key, true)
	if err != nil {
		return InitResult{}, err
	}

	trigger := detectResetTrigger(p.Content, p.Policy.Triggers)
	stale := exists && isIdleExpired(prev, p.PeerKind, p.Policy, p.Store.now())
	needNew := !exists || trigger != "" || stale

	var replaced *Entry
	if needNew && exists && prev.SessionID != "" {
		e := prev
		replaced = &e
	}

	entry, err := p.Store.Update(key, func(e *Entry) {
		if needNew {
			if e.SessionFile != "" {
				archiveTranscript(e.SessionFile)
			}
			resetEntry(e)
			e.SessionID = uuid.NewString()
			if p.TranscriptDir != "" {
				e.SessionFile = filepath.Join(p.TranscriptDir, e.SessionID+".jsonl")
			}
			if p.ParentSessionKey != "" {
				forkFromParent(p.Store, p.ParentSessionKey, e)
			}
		}

		// Internal channels never overwrite a real delivery context.
		if !channels.IsInternalChannel(p.Channel) || e.LastChannel == "" {
			e.LastChannel = p.Channel
			e.LastTo = p.ChatID
			e.LastAccountID = p.AccountID
			e.LastThreadID = p.ThreadID
		}
		e.ChatType = string(p.PeerKind)
		if p.DisplayName != "" {
			e.DisplayName = p.DisplayName
		}
	})
	if err != nil {
		return InitResult{}, err
	}

	if replaced != nil && p.Hooks.OnSessionEnd != nil {
		p.Hooks.OnSessionEnd(key, *replaced)
	}
	if needNew && p.Hooks.OnSessionStart != nil {
		p.Hooks.OnSessionStart(key, entry)
	}

	return InitResult{
		Key:      key,
		Entry:    entry,
		IsNew:    needNew,
		WasReset: needNew && exists,
		Trigger:  trigger,
	}, nil
}

// Reset forces a fresh session for key regardless of triggers or idle
// policy: the old transcript is archived, run state is zeroed, and a new
// session id is minted. Used by the sessions.reset RPC.
func Reset(store *Store, transcriptDir, key string) (Entry, error) {
	return store.Update(key, func(e *Entry) {
		if e.SessionFile != "" {
			archiveTranscript(e.SessionFile)
		}
		resetEntry(e)
		e.SessionID = uuid.NewString()
		if transcriptDir != "" {
			e.SessionFile = filepath.Join(transcriptDir, e.SessionID+".jsonl")
		}
	})
}

// resetEntry zeroes run state while carrying over the user-set behavior
// overrides (thinking, verbose, reasoning, model, provider, label, tts).
func resetEntry(e *Entry) {
	e.SessionID = ""
	e.SystemSent = false
	e.AbortedLastRun = false
	e.InputTokens = 0
	e.OutputTokens = 0
	e.TotalTokens = 0
	e.CacheReadTokens = 0
	e.CacheWriteTokens = 0
	e.ContextTokens = 0
	e.CompactionCount = 0
	e.SessionFile = ""
	e.ForkedFromParent = false
	e.Provider = ""
	e.Model = ""
}

// detectResetTrigger returns the matched trigger, or "". Matching is
// case-insensitive and ignores structural prefixes (timestamp labels,
// history markers) that channels prepend to relayed text.
func detectResetTrigger(content string, triggers []string) string {
	if len(triggers) == 0 {
		triggers = DefaultResetTriggers
	}
	body := strings.ToLower(stripStructuralPrefixes(content))
	for _, trig := range triggers {
		t := strings.ToLower(strings.TrimSpace(trig))
		if t == "" {
			continue
		}
		if body == t || strings.HasPrefix(body, t+" ") {
			return trig
		}
	}
	return ""
}

// stripStructuralPrefixes removes leading bracketed labels like
// "[Telegram 12:30]" and "History:" markers so a relayed "/new" still
// triggers a reset.
func stripStructuralPrefixes(s string) string {
	s = strings.TrimSpace(s)
	for {
		switch {
		case strings.HasPrefix(s, "["):
			end := strings.Index(s, "]")
			if end < 0 {
				return s
			}
			s = strings.TrimSpace(strings.TrimPrefix(s[end+1:], ":"))
		case hasFoldPrefix(s, "history:"):
			s = strings.TrimSpace(s[len("history:"):])
		default:
			return s
		}
	}
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func isIdleExpired(e Entry, kind PeerKind, policy ResetPolicy, now time.Time) bool {
	idle := policy.DirectIdle
	if kind == PeerGroup && policy.GroupIdle > 0 {
		idle = policy.GroupIdle
	}
	if idle <= 0 || e.UpdatedAt == 0 {
		return false
	}
	return now.UnixMilli()-e.UpdatedAt > idle.Milliseconds()
}

// archiveTranscript moves a replaced transcript aside instead of deleting
// it. Failures are logged only; archiving never blocks a reset.
func archiveTranscript(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	archived := fmt.Sprintf("%s.archived-%d", path, time.Now().UnixMilli())
	if err := os.Rename(path, archived); err != nil {
		slog.Warn("failed to archive transcript", "path", path, "error", err)
	}
}

// forkFromParent copies the parent session's transcript into the new
// session file so the child continues from the parent's history.
func forkFromParent(store *Store, parentKey string, e *Entry) {
	parent, ok, err := store.Get(parentKey, true)
	if err != nil || !ok || parent.SessionFile == "" || e.SessionFile == "" {
		return
	}
	src, err := os.Open(parent.SessionFile)
	if err != nil {
		return
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(e.SessionFile), 0700); err != nil {
		return
	}
	dst, err := os.Create(e.SessionFile)
	if err != nil {
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		slog.Warn("transcript fork failed", "parent", parentKey, "error", err)
		return
	}
	e.ForkedFromParent = true
}
