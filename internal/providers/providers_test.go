package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zwright8/openclaw-sub006/internal/agent"
)

func TestForModelRouting(t *testing.T) {
	anthropic := NewAnthropic("k", "")
	openai := NewOpenAI("k", "")

	tests := []struct {
		name     string
		registry *Registry
		model    string
		want     string
		wantErr  bool
	}{
		{"claude to anthropic", &Registry{anthropic: anthropic, openai: openai}, "claude-sonnet-4-5", "anthropic", false},
		{"other to openai", &Registry{anthropic: anthropic, openai: openai}, "qwen-max", "openai", false},
		{"claude without key", &Registry{openai: openai}, "claude-sonnet-4-5", "", true},
		{"single backend serves all", &Registry{anthropic: anthropic}, "gpt-4o", "anthropic", false},
		{"nothing configured", &Registry{}, "claude-sonnet-4-5", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.registry.ForModel(tt.model)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Name() != tt.want {
				t.Errorf("provider = %s, want %s", p.Name(), tt.want)
			}
		})
	}
}

func TestTransientStatus(t *testing.T) {
	for status, want := range map[int]bool{
		429: true, 500: true, 503: true, 408: true,
		400: false, 401: false, 404: false,
	} {
		if got := transientStatus(status); got != want {
			t.Errorf("transientStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestBuildAnthropicBody(t *testing.T) {
	req := ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	}

	t.Run("system turn extracted", func(t *testing.T) {
		body := buildAnthropicBody(req)
		if body["system"] != "be brief" {
			t.Errorf("system = %v", body["system"])
		}
		msgs := body["messages"].([]map[string]string)
		if len(msgs) != 1 || msgs[0]["role"] != "user" {
			t.Errorf("messages = %v", msgs)
		}
		if _, ok := body["thinking"]; ok {
			t.Error("thinking enabled without a level")
		}
	})

	t.Run("thinking reserves budget", func(t *testing.T) {
		r := req
		r.ThinkingLevel = "high"
		body := buildAnthropicBody(r)
		thinking := body["thinking"].(map[string]interface{})
		if thinking["budget_tokens"] != 32000 {
			t.Errorf("budget = %v", thinking["budget_tokens"])
		}
		if maxTok := body["max_tokens"].(int); maxTok <= 32000 {
			t.Errorf("max_tokens %d does not cover the budget", maxTok)
		}
	})

	t.Run("off level disables thinking", func(t *testing.T) {
		r := req
		r.ThinkingLevel = "off"
		if _, ok := buildAnthropicBody(r)["thinking"]; ok {
			t.Error("thinking enabled at level off")
		}
	})
}

func TestAnthropicChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{
				{"type": "thinking", "thinking": "hmm"},
				{"type": "text", "text": "hello"},
			},
			"usage": map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	p := NewAnthropic("secret", srv.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" || resp.Reasoning != "hmm" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.Input != 10 || resp.Usage.Output != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicChatOverloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer srv.Close()

	p := NewAnthropic("secret", srv.URL)
	_, err := p.Chat(context.Background(), ChatRequest{Model: "claude-sonnet-4-5"})

	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RequestError", err)
	}
	if !re.Retryable() || re.Status != 429 {
		t.Errorf("RequestError = %+v", re)
	}
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "hey", "reasoning_content": "thinking"}},
			},
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	p := NewOpenAI("secret", srv.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "qwen-max",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hey" || resp.Reasoning != "thinking" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestExecuteFuncRetryableClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := &Registry{openai: NewOpenAI("k", srv.URL)}
	execute := NewExecuteFunc(reg, nil)

	_, _, err := execute(context.Background(), agent.ExecuteParams{
		Model:   "qwen-max",
		Request: agent.RunRequest{Message: "hi"},
	})
	var re *agent.RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want agent.RetryableError", err)
	}
}

func TestExecuteFuncPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", body.Messages)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "done", "reasoning_content": "why"}},
			},
		})
	}))
	defer srv.Close()

	reg := &Registry{openai: NewOpenAI("k", srv.URL)}
	execute := NewExecuteFunc(reg, func(string) string { return "be brief" })

	payloads, _, err := execute(context.Background(), agent.ExecuteParams{
		Model:   "qwen-max",
		Request: agent.RunRequest{Message: "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 2 {
		t.Fatalf("payloads = %+v", payloads)
	}
	if !payloads[0].IsReasoning || payloads[1].Text != "done" {
		t.Errorf("payloads = %+v", payloads)
	}
}
