package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zwright8/openclaw-sub006/internal/config"
	"github.com/zwright8/openclaw-sub006/internal/sessions"
)

// DefaultRunTimeout bounds a run when neither the request nor the agent
// defaults specify one.
const DefaultRunTimeout = 10 * time.Minute

// ExecuteParams is what one execution attempt receives: the request plus
// the resolved model and thinking level for this attempt.
type ExecuteParams struct {
	Request       RunRequest
	Model         string
	ThinkingLevel string
}

// ExecuteFunc performs a single model run. Implementations live behind the
// provider transport; the runner owns fallback, timeout, and accounting.
type ExecuteFunc func(ctx context.Context, p ExecuteParams) ([]ReplyPayload, Usage, error)

// Runner executes agent turns: model precedence, fallback chain, timeout
// abort, sanitization, and session usage accounting.
type Runner struct {
	Defaults config.AgentDefaults
	Sessions *sessions.Store
	Execute  ExecuteFunc
}

// NewRunner builds a runner over the given agent defaults and session store.
func NewRunner(defaults config.AgentDefaults, store *sessions.Store, exec ExecuteFunc) *Runner {
	return &Runner{Defaults: defaults, Sessions: store, Execute: exec}
}

// Run executes one turn. Retryable provider failures advance through the
// fallback model chain; a deadline expiry aborts with reason "timeout" and
// marks the session accordingly.
func (r *Runner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if r.Execute == nil {
		return RunResult{}, fmt.Errorf("runner has no execute function")
	}

	var entry sessions.Entry
	if r.Sessions != nil && req.SessionKey != "" {
		entry, _, _ = r.Sessions.Get(req.SessionKey, true)
	}

	models := r.modelChain(req, entry)
	if len(models) == 0 {
		return RunResult{}, fmt.Errorf("no model configured for agent %s", req.AgentID)
	}
	thinking := r.thinkingLevel(req, entry)

	timeout := req.Timeout
	if timeout <= 0 && !req.NoTimeout {
		if r.Defaults.TimeoutSeconds > 0 {
			timeout = time.Duration(r.Defaults.TimeoutSeconds) * time.Second
		} else {
			timeout = DefaultRunTimeout
		}
	}

	start := time.Now()
	var lastErr error
	for i, model := range models {
		attempt := i + 1
		level := effectiveThinkingLevel(thinking, model)
		if level != thinking && thinking != "" {
			slog.Debug("thinking level downgraded for model", "model", model, "requested", thinking, "using", level)
		}

		var runCtx context.Context
		var cancel context.CancelFunc
		if req.NoTimeout {
			runCtx, cancel = context.WithCancel(ctx)
		} else {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		payloads, usage, err := r.Execute(runCtx, ExecuteParams{Request: req, Model: model, ThinkingLevel: level})
		cancel()

		if err == nil {
			meta := RunMeta{
				Model:        model,
				FallbackUsed: i > 0,
				Attempts:     attempt,
				Duration:     time.Since(start),
				Usage:        usage,
			}
			r.recordOutcome(req.SessionKey, model, usage, false)
			return RunResult{Payloads: sanitizePayloads(payloads), Meta: meta}, nil
		}

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			r.recordOutcome(req.SessionKey, model, usage, true)
			return RunResult{}, &AbortError{Reason: "timeout", Err: err}
		}
		if ctx.Err() != nil {
			r.recordOutcome(req.SessionKey, model, usage, true)
			return RunResult{}, &AbortError{Reason: "cancelled", Err: ctx.Err()}
		}

		var retryable *RetryableError
		if errors.As(err, &retryable) && i < len(models)-1 {
			slog.Warn("model run failed, trying fallback",
				"model", model, "fallback", models[i+1], "error", err)
			lastErr = err
			continue
		}

		return RunResult{}, fmt.Errorf("agent run failed on %s: %w", model, err)
	}
	return RunResult{}, fmt.Errorf("all models exhausted: %w", lastErr)
}

// modelChain resolves the ordered candidate list. Precedence for the
// primary: request override (cron job / hook), then the session's user
// override, then the agent default. Configured fallbacks follow, dedup'd.
func (r *Runner) modelChain(req RunRequest, entry sessions.Entry) []string {
	primary := req.ModelOverride
	if primary == "" {
		primary = entry.ModelOverride
	}
	if primary == "" {
		primary = r.Defaults.Model
	}
	if primary == "" {
		return nil
	}

	chain := []string{primary}
	seen := map[string]bool{primary: true}
	for _, m := range r.Defaults.ModelFallbacks {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}

func (r *Runner) thinkingLevel(req RunRequest, entry sessions.Entry) string {
	if req.ThinkingOverride != "" {
		return req.ThinkingOverride
	}
	if entry.ThinkingLevel != "" {
		return entry.ThinkingLevel
	}
	return r.Defaults.ThinkingLevel
}

// effectiveThinkingLevel downgrades "xhigh" to "high" for models that do
// not expose the extended tier.
func effectiveThinkingLevel(level, model string) string {
	if !strings.EqualFold(level, "xhigh") {
		return level
	}
	if supportsExtendedThinking(model) {
		return level
	}
	return "high"
}

func supportsExtendedThinking(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "gpt-5") || strings.Contains(m, "-codex")
}

// recordOutcome folds the run outcome into the session entry under the
// store lock. Counters accumulate; context tokens track the high-water mark.
func (r *Runner) recordOutcome(sessionKey, model string, usage Usage, aborted bool) {
	if r.Sessions == nil || sessionKey == "" {
		return
	}
	_, err := r.Sessions.Update(sessionKey, func(e *sessions.Entry) {
		e.Model = model
		e.AbortedLastRun = aborted
		e.InputTokens += usage.Input
		e.OutputTokens += usage.Output
		e.TotalTokens += usage.Total()
		e.CacheReadTokens += usage.CacheRead
		e.CacheWriteTokens += usage.CacheWrite
		if usage.Context > e.ContextTokens {
			e.ContextTokens = usage.Context
		}
	})
	if err != nil {
		slog.Warn("failed to record run usage", "session", sessionKey, "error", err)
	}
}

// sanitizePayloads cleans user-facing text and drops payloads that end up
// with nothing to render. Reasoning payloads keep their text untouched.
func sanitizePayloads(in []ReplyPayload) []ReplyPayload {
	out := make([]ReplyPayload, 0, len(in))
	for _, p := range in {
		if !p.IsReasoning {
			p.Text = SanitizeAssistantContent(p.Text)
		}
		if !p.HasContent() && !p.IsReasoning {
			continue
		}
		out = append(out, p)
	}
	return out
}
