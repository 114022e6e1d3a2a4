package providers

import (
	"context"
	"errors"

	"github.com/zwright8/openclaw-sub006/internal/agent"
)

// SystemPromptFunc resolves the system prompt for an agent; empty means no
// system turn.
type SystemPromptFunc func(agentID string) string

// NewExecuteFunc bridges the registry to the agent runner: one completion
// per turn, transient provider failures surfaced as retryable so the
// runner's fallback chain can advance.
func NewExecuteFunc(reg *Registry, systemPrompt SystemPromptFunc) agent.ExecuteFunc {
	return func(ctx context.Context, p agent.ExecuteParams) ([]agent.ReplyPayload, agent.Usage, error) {
		prov, err := reg.ForModel(p.Model)
		if err != nil {
			return nil, agent.Usage{}, err
		}

		var msgs []Message
		if systemPrompt != nil {
			if sys := systemPrompt(p.Request.AgentID); sys != "" {
				msgs = append(msgs, Message{Role: "system", Content: sys})
			}
		}
		content := p.Request.Message
		if p.Request.Context != "" {
			content = p.Request.Context + "\n\n" + content
		}
		msgs = append(msgs, Message{Role: "user", Content: content})

		resp, err := prov.Chat(ctx, ChatRequest{
			Model:         p.Model,
			Messages:      msgs,
			ThinkingLevel: p.ThinkingLevel,
		})
		if err != nil {
			var re *RequestError
			if errors.As(err, &re) && re.Retryable() {
				return nil, agent.Usage{}, &agent.RetryableError{Err: err}
			}
			return nil, agent.Usage{}, err
		}

		var payloads []agent.ReplyPayload
		if resp.Reasoning != "" {
			payloads = append(payloads, agent.ReplyPayload{Text: resp.Reasoning, IsReasoning: true})
		}
		payloads = append(payloads, agent.ReplyPayload{Text: resp.Content})

		return payloads, agent.Usage{
			Input:      resp.Usage.Input,
			Output:     resp.Usage.Output,
			CacheRead:  resp.Usage.CacheRead,
			CacheWrite: resp.Usage.CacheWrite,
		}, nil
	}
}
