package cmd

import (
	"fmt"

	"github.com/zwright8/openclaw-sub006/internal/agent"
	"github.com/zwright8/openclaw-sub006/internal/config"
	"github.com/zwright8/openclaw-sub006/internal/providers"
)

// buildExecuteFunc wires the provider registry into the agent runner. API
// keys come from the environment only; which backend serves a run is
// decided per model.
func buildExecuteFunc(cfg *config.Config) agent.ExecuteFunc {
	reg := providers.NewRegistryFromEnv()
	return providers.NewExecuteFunc(reg, func(agentID string) string {
		return systemPromptFor(cfg, agentID)
	})
}

func systemPromptFor(cfg *config.Config, agentID string) string {
	name := cfg.ResolveDisplayName(agentID)
	if name == "" {
		return ""
	}
	return fmt.Sprintf(
		"You are %s, an assistant reachable through chat channels. Keep replies concise and chat-friendly. Reply with exactly NO_REPLY when no answer is needed.",
		name)
}
