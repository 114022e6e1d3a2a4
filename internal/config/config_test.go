package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("default port = %d", cfg.Gateway.Port)
	}
	if cfg.Channels.Telegram.DMPolicy != "pairing" {
		t.Errorf("default telegram dm_policy = %q", cfg.Channels.Telegram.DMPolicy)
	}
	if cfg.Pairing.TTLHours != 24 {
		t.Errorf("default pairing ttl = %d", cfg.Pairing.TTLHours)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
		// gateway settings
		gateway: { port: 9000 },
		channels: {
			telegram: { enabled: true, token: "tok", allow_from: [12345, "alice"] },
		},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Gateway.Port)
	}
	got := cfg.Channels.Telegram.AllowFrom
	if len(got) != 2 || got[0] != "12345" || got[1] != "alice" {
		t.Errorf("allow_from = %v, numeric ids should coerce to strings", got)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{ gateway: { token: "from-file" } }`)
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "from-env" {
		t.Errorf("token = %q, env should win over file", cfg.Gateway.Token)
	}
}

func TestEnvAutoEnablesChannel(t *testing.T) {
	t.Setenv("OPENCLAW_TELEGRAM_TOKEN", "tg-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token comes from env")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"feishu webhook without verification token", func(c *Config) {
			c.Channels.Feishu.Enabled = true
			c.Channels.Feishu.AppID = "app"
			c.Channels.Feishu.ConnectionMode = "webhook"
		}, true},
		{"feishu webhook with verification token", func(c *Config) {
			c.Channels.Feishu.Enabled = true
			c.Channels.Feishu.AppID = "app"
			c.Channels.Feishu.ConnectionMode = "webhook"
			c.Channels.Feishu.VerificationToken = "vt"
		}, false},
		{"feishu default mode without verification token", func(c *Config) {
			c.Channels.Feishu.Enabled = true
			c.Channels.Feishu.AppID = "app"
			c.Channels.Feishu.ConnectionMode = ""
		}, true},
		{"synology enabled without token", func(c *Config) {
			c.Channels.Synology.Enabled = true
		}, true},
		{"unknown dm policy", func(c *Config) {
			c.Channels.Telegram.DMPolicy = "everyone"
		}, true},
		{"unknown group policy", func(c *Config) {
			c.Channels.Discord.GroupPolicy = "sometimes"
		}, true},
		{"bad port", func(c *Config) {
			c.Gateway.Port = -1
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "secret-token"
	cfg.Channels.Feishu.AppSecret = "feishu-secret"

	cp := cfg.MaskedCopy()
	if cp.Gateway.Token != "***" {
		t.Errorf("gateway token not masked: %q", cp.Gateway.Token)
	}
	if cp.Channels.Feishu.AppSecret != "***" {
		t.Errorf("feishu secret not masked: %q", cp.Channels.Feishu.AppSecret)
	}
	if cfg.Gateway.Token != "secret-token" {
		t.Error("MaskedCopy mutated the original")
	}
	if cp.Channels.Telegram.Token != "" {
		t.Errorf("empty secret should stay empty, got %q", cp.Channels.Telegram.Token)
	}
}

func TestResolveAgent(t *testing.T) {
	cfg := Default()
	cfg.Agents.Defaults.Model = "base-model"
	cfg.Agents.List = map[string]AgentSpec{
		"research": {Model: "big-model", TimeoutSeconds: 120},
	}

	d := cfg.ResolveAgent("research")
	if d.Model != "big-model" || d.TimeoutSeconds != 120 {
		t.Errorf("override not applied: %+v", d)
	}
	if d.Workspace != cfg.Agents.Defaults.Workspace {
		t.Error("unset fields should inherit defaults")
	}

	d = cfg.ResolveAgent("unknown")
	if d.Model != "base-model" {
		t.Errorf("unknown agent should get defaults, got model %q", d.Model)
	}
}

func TestResolveAgentForMessage(t *testing.T) {
	cfg := Default()
	cfg.Agents.List = map[string]AgentSpec{
		"support": {},
		"ops":     {Default: true},
	}
	cfg.Bindings = []AgentBinding{
		{AgentID: "support", Match: BindingMatch{Channel: "telegram", Peer: &BindingPeer{Kind: "group", ID: "g1"}}},
		{AgentID: "support", Match: BindingMatch{Channel: "discord", GuildID: "guild-9"}},
	}

	tests := []struct {
		name                                     string
		channel, account, peerKind, peerID, guild string
		want                                     string
	}{
		{"peer binding", "telegram", "", "group", "g1", "", "support"},
		{"peer mismatch falls back", "telegram", "", "group", "g2", "", "ops"},
		{"guild binding", "discord", "", "group", "any", "guild-9", "support"},
		{"no binding uses default agent", "feishu", "", "direct", "u1", "", "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.ResolveAgentForMessage(tt.channel, tt.account, tt.peerKind, tt.peerID, tt.guild)
			if got != tt.want {
				t.Errorf("ResolveAgentForMessage = %q, want %q", got, tt.want)
			}
		})
	}
}
