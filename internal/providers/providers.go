// Package providers holds the LLM transport clients behind the agent
// runner's ExecuteFunc: the Anthropic Messages API and OpenAI-compatible
// chat completions (OpenAI, DashScope, and lookalikes).
package providers

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Message is one turn of provider input.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is the input for one completion call.
type ChatRequest struct {
	Model         string
	Messages      []Message
	ThinkingLevel string // "off", "low", "medium", "high"
	MaxTokens     int
}

// Usage is the token accounting a provider reports.
type Usage struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
}

// ChatResponse is one completion result. Reasoning carries extended
// thinking output where the provider separates it from the answer.
type ChatResponse struct {
	Content   string
	Reasoning string
	Usage     Usage
}

// Provider is a single LLM backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// RequestError is a failed provider call, tagged with whether a retry or
// model fallback could plausibly recover.
type RequestError struct {
	Provider  string
	Status    int
	Message   string
	Transient bool
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Retryable reports whether a fallback model may recover from this error.
func (e *RequestError) Retryable() bool { return e.Transient }

// transientStatus classifies HTTP status codes the fallback chain should
// absorb: rate limits, overload, and server-side faults.
func transientStatus(status int) bool {
	return status == 429 || status == 408 || status >= 500
}

// Registry resolves models to providers by prefix.
type Registry struct {
	anthropic Provider
	openai    Provider
}

// NewRegistryFromEnv builds clients for every backend with credentials
// present. ANTHROPIC_API_KEY, OPENAI_API_KEY, and DASHSCOPE_API_KEY are
// honored; DashScope rides the OpenAI-compatible endpoint.
func NewRegistryFromEnv() *Registry {
	r := &Registry{}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		r.anthropic = NewAnthropic(key, "")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		r.openai = NewOpenAI(key, os.Getenv("OPENAI_BASE_URL"))
	} else if key := os.Getenv("DASHSCOPE_API_KEY"); key != "" {
		r.openai = NewOpenAI(key, dashScopeBaseURL)
	}
	return r
}

// ForModel picks the provider responsible for a model name.
func (r *Registry) ForModel(model string) (Provider, error) {
	if strings.HasPrefix(model, "claude-") {
		if r.anthropic == nil {
			return nil, fmt.Errorf("model %s requires ANTHROPIC_API_KEY", model)
		}
		return r.anthropic, nil
	}
	if r.openai != nil {
		return r.openai, nil
	}
	if r.anthropic != nil {
		// Last resort: a single configured backend serves everything.
		return r.anthropic, nil
	}
	return nil, fmt.Errorf("no provider configured for model %s (set ANTHROPIC_API_KEY or OPENAI_API_KEY)", model)
}
