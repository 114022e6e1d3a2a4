package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON. Chat platforms
// hand out numeric ids and people paste them into allowlists unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the OpenClaw gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Pairing   PairingConfig   `json:"pairing,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Restart   RestartConfig   `json:"restart,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the hot-reload watcher so pointers held elsewhere stay valid.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Pairing = src.Pairing
	c.Cron = src.Cron
	c.Restart = src.Restart
	c.Telemetry = src.Telemetry
	c.Bindings = src.Bindings
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
	GuildID   string       `json:"guildId,omitempty"`
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace      string           `json:"workspace"`
	Model          string           `json:"model"`
	ModelFallbacks []string         `json:"modelFallbacks,omitempty"` // tried in order on retryable errors
	ThinkingLevel  string           `json:"thinkingLevel,omitempty"`  // "off", "low", "medium", "high", "xhigh"
	TimeoutSeconds int              `json:"timeoutSeconds,omitempty"` // per-run wall clock (default 600)
	Subagents      *SubagentsConfig `json:"subagents,omitempty"`
	Heartbeat      *HeartbeatConfig `json:"heartbeat,omitempty"`
}

// SubagentsConfig configures the subagent system.
type SubagentsConfig struct {
	MaxConcurrent       int    `json:"maxConcurrent,omitempty"`       // default 8
	MaxSpawnDepth       int    `json:"maxSpawnDepth,omitempty"`       // default 1
	MaxChildrenPerAgent int    `json:"maxChildrenPerAgent,omitempty"` // default 5
	ArchiveAfterMinutes int    `json:"archiveAfterMinutes,omitempty"` // default 60
	MaxPingPongTurns    int    `json:"maxPingPongTurns,omitempty"`    // announce back-and-forth cap (default 2)
	Model               string `json:"model,omitempty"`               // model override for subagents
}

// HeartbeatConfig configures periodic agent heartbeats.
type HeartbeatConfig struct {
	Every   string `json:"every,omitempty"`   // "30m", "0m"=disabled
	Model   string `json:"model,omitempty"`   // optional model override
	Session string `json:"session,omitempty"` // "main" (default) or explicit session key
	Target  string `json:"target,omitempty"`  // "last" (default), "none", or channel ID
	To      string `json:"to,omitempty"`      // optional recipient override
	Prompt  string `json:"prompt,omitempty"`  // custom heartbeat prompt
}

// AgentSpec is the per-agent configuration override.
// Zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName    string          `json:"displayName,omitempty"`
	Model          string          `json:"model,omitempty"`
	ModelFallbacks []string        `json:"modelFallbacks,omitempty"`
	ThinkingLevel  string          `json:"thinkingLevel,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
	Workspace      string          `json:"workspace,omitempty"`
	Default        bool            `json:"default,omitempty"`
	Identity       *IdentityConfig `json:"identity,omitempty"`
}

// IdentityConfig defines agent persona / display identity.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// SessionsConfig controls session storage and lifecycle.
type SessionsConfig struct {
	Storage string `json:"storage"`            // directory for session store + transcripts
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	DmScope string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default), "per-account-channel-peer"
	MainKey string `json:"main_key,omitempty"` // main session key suffix (default "main")

	// Idle freshness: a session older than the window is reset on next message.
	IdleMinutes       int `json:"idle_minutes,omitempty"`       // direct chats (0 = never)
	GroupIdleMinutes  int `json:"group_idle_minutes,omitempty"` // group chats (0 = inherit idle_minutes)
	CronRetentionHours int `json:"cron_retention_hours,omitempty"` // cron run session retention (default 24, -1 disables reaping)
}

// PairingConfig controls the DM pairing flow.
type PairingConfig struct {
	Storage  string `json:"storage,omitempty"`  // pairing store path (default <state>/credentials/pairing.json)
	TTLHours int    `json:"ttl_hours,omitempty"` // pending code lifetime (default 24)
}

// CronConfig configures the scheduled-job system.
type CronConfig struct {
	Storage        string `json:"storage,omitempty"`          // jobs file (default <state>/cron/jobs.json)
	RunLogDir      string `json:"run_log_dir,omitempty"`      // run log dir (default <state>/cron/runs)
	MaxRetries     int    `json:"max_retries,omitempty"`      // retry attempts on failure (default 3, 0 = no retry)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff (default "2s")
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // max backoff (default "30s")
	RunLogMaxBytes int64  `json:"run_log_max_bytes,omitempty"` // prune threshold (default 5MB)
	RunLogKeepLines int   `json:"run_log_keep_lines,omitempty"` // lines kept after prune (default 1000)
}

// RestartConfig configures the gateway restart controller.
type RestartConfig struct {
	CooldownMs   int    `json:"cooldown_ms,omitempty"`   // min gap between restarts (default 30000)
	MaxWaitMs    int    `json:"max_wait_ms,omitempty"`   // max deferral waiting for in-flight work (default 15000)
	LaunchdLabel string `json:"-"`                       // from env OPENCLAW_LAUNCHD_LABEL only
	SystemdUnit  string `json:"-"`                       // from env OPENCLAW_SYSTEMD_UNIT only
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "openclaw-gateway"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens)
}
