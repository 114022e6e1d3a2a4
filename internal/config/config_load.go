package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultAgentID is the agent used when no binding or override applies.
const DefaultAgentID = "main"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:      "~/.openclaw/workspace",
				Model:          "claude-sonnet-4-5",
				TimeoutSeconds: 600,
				Subagents: &SubagentsConfig{
					MaxConcurrent:    8,
					MaxSpawnDepth:    1,
					MaxPingPongTurns: 2,
				},
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{DMPolicy: "pairing"},
			Discord:  DiscordConfig{DMPolicy: "pairing"},
			Feishu: FeishuConfig{
				DMPolicy:       "pairing",
				ConnectionMode: "webhook",
				WebhookPort:    3000,
				WebhookPath:    "/feishu/events",
				TextChunkLimit: 4000,
			},
			Synology: SynologyConfig{
				DMPolicy:   "allowlist",
				ListenPort: 3001,
				ListenPath: "/synology/webhook",
			},
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              18790,
			MaxMessageChars:   32000,
			RateLimitRPM:      20,
			InboundDebounceMs: 1000,
		},
		Sessions: SessionsConfig{
			Storage:            "~/.openclaw/sessions",
			DmScope:            "per-channel-peer",
			MainKey:            "main",
			CronRetentionHours: 24,
		},
		Pairing: PairingConfig{
			TTLHours: 24,
		},
		Cron: CronConfig{
			MaxRetries:      3,
			RetryBaseDelay:  "2s",
			RetryMaxDelay:   "30s",
			RunLogMaxBytes:  5 * 1024 * 1024,
			RunLogKeepLines: 1000,
		},
		Restart: RestartConfig{
			CooldownMs: 30000,
			MaxWaitMs:  15000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars, then validates.
// A missing file yields defaults + env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OPENCLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OPENCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("OPENCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("OPENCLAW_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("OPENCLAW_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("OPENCLAW_FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)
	envStr("OPENCLAW_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	envStr("OPENCLAW_SYNOLOGY_TOKEN", &c.Channels.Synology.Token)
	envStr("OPENCLAW_SYNOLOGY_INCOMING_URL", &c.Channels.Synology.IncomingURL)

	// Auto-enable channels when credentials arrive via env.
	if os.Getenv("OPENCLAW_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("OPENCLAW_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if os.Getenv("OPENCLAW_FEISHU_APP_ID") != "" && os.Getenv("OPENCLAW_FEISHU_APP_SECRET") != "" {
		c.Channels.Feishu.Enabled = true
	}
	if os.Getenv("OPENCLAW_SYNOLOGY_TOKEN") != "" {
		c.Channels.Synology.Enabled = true
	}

	envStr("OPENCLAW_MODEL", &c.Agents.Defaults.Model)
	envStr("OPENCLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("OPENCLAW_SESSIONS_STORAGE", &c.Sessions.Storage)

	envStr("OPENCLAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("OPENCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Restart targets (never persisted).
	envStr("OPENCLAW_LAUNCHD_LABEL", &c.Restart.LaunchdLabel)
	envStr("OPENCLAW_SYSTEMD_UNIT", &c.Restart.SystemdUnit)

	// Telemetry
	envStr("OPENCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OPENCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OPENCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("OPENCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OPENCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Owner IDs (comma-separated)
	if v := os.Getenv("OPENCLAW_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

var validDMPolicies = map[string]bool{
	"": true, "pairing": true, "allowlist": true, "open": true, "disabled": true,
}

var validGroupPolicies = map[string]bool{
	"": true, "open": true, "allowlist": true, "disabled": true,
}

// Validate rejects configurations that would misbehave at runtime rather
// than failing open.
func (c *Config) Validate() error {
	fe := c.Channels.Feishu
	if fe.Enabled && (fe.ConnectionMode == "" || fe.ConnectionMode == "webhook") && fe.VerificationToken == "" {
		return fmt.Errorf("channels.feishu: webhook mode requires verification_token")
	}
	if fe.Enabled && fe.AppID == "" {
		return fmt.Errorf("channels.feishu: app_id is required")
	}
	if c.Channels.Synology.Enabled && c.Channels.Synology.Token == "" {
		return fmt.Errorf("channels.synology: token is required")
	}

	check := func(channel, dm, group string) error {
		if !validDMPolicies[dm] {
			return fmt.Errorf("channels.%s: unknown dm_policy %q", channel, dm)
		}
		if !validGroupPolicies[group] {
			return fmt.Errorf("channels.%s: unknown group_policy %q", channel, group)
		}
		return nil
	}
	if err := check("telegram", c.Channels.Telegram.DMPolicy, c.Channels.Telegram.GroupPolicy); err != nil {
		return err
	}
	if err := check("discord", c.Channels.Discord.DMPolicy, c.Channels.Discord.GroupPolicy); err != nil {
		return err
	}
	if err := check("feishu", fe.DMPolicy, fe.GroupPolicy); err != nil {
		return err
	}
	if err := check("synology", c.Channels.Synology.DMPolicy, ""); err != nil {
		return err
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway: invalid port %d", c.Gateway.Port)
	}
	return nil
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ResolveAgent returns the effective settings for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if len(spec.ModelFallbacks) > 0 {
			d.ModelFallbacks = spec.ModelFallbacks
		}
		if spec.ThinkingLevel != "" {
			d.ThinkingLevel = spec.ThinkingLevel
		}
		if spec.TimeoutSeconds > 0 {
			d.TimeoutSeconds = spec.TimeoutSeconds
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
	}
	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or DefaultAgentID if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveAgentForMessage picks the agent bound to a channel/peer, falling
// back to the default agent. First matching binding wins.
func (c *Config) ResolveAgentForMessage(channel, accountID, peerKind, peerID, guildID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, b := range c.Bindings {
		m := b.Match
		if m.Channel != "" && m.Channel != channel {
			continue
		}
		if m.AccountID != "" && m.AccountID != accountID {
			continue
		}
		if m.GuildID != "" && m.GuildID != guildID {
			continue
		}
		if m.Peer != nil && (m.Peer.Kind != peerKind || m.Peer.ID != peerID) {
			continue
		}
		return b.AgentID
	}
	return c.resolveDefaultAgentIDLocked()
}

func (c *Config) resolveDefaultAgentIDLocked() string {
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Identity != nil && spec.Identity.Name != "" {
			return spec.Identity.Name
		}
		if spec.DisplayName != "" {
			return spec.DisplayName
		}
	}
	return "OpenClaw"
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by RPC status responses so tokens never reach clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.Feishu.AppSecret)
	maskNonEmpty(&cp.Channels.Feishu.EncryptKey)
	maskNonEmpty(&cp.Channels.Feishu.VerificationToken)
	maskNonEmpty(&cp.Channels.Synology.Token)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// StateDir returns the base state directory (~/.openclaw).
func StateDir() string {
	if v := os.Getenv("OPENCLAW_STATE_DIR"); v != "" {
		return ExpandHome(v)
	}
	return ExpandHome("~/.openclaw")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
