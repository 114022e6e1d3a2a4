package cmd

import (
	"testing"
	"time"

	"github.com/zwright8/openclaw-sub006/internal/config"
)

func TestPolicyForCommandKnobs(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.Telegram.UseAccessGroups = true
	cfg.Channels.Telegram.CommandFallbackToTopLevel = true
	cfg.Channels.Telegram.AllowCommandsWithoutMention = true
	rt := &gatewayRuntime{cfg: cfg}

	pol := rt.policyFor("telegram")
	if !pol.UseAccessGroups {
		t.Error("use_access_groups not mapped")
	}
	if !pol.CommandFallbackToTopLevel {
		t.Error("command_fallback_to_top_level not mapped")
	}
	if !pol.AllowCommandsWithoutMention {
		t.Error("allow_commands_without_mention not mapped")
	}

	// Knobs are per-channel; discord stays at defaults.
	pol = rt.policyFor("discord")
	if pol.UseAccessGroups || pol.CommandFallbackToTopLevel || pol.AllowCommandsWithoutMention {
		t.Errorf("discord policy picked up telegram knobs: %+v", pol)
	}
}

func TestDebounceWindow(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.InboundDebounceMs = 1000
	cfg.Channels.Telegram.DebounceMs = 250
	cfg.Channels.Discord.DebounceMs = -1
	rt := &gatewayRuntime{cfg: cfg}

	if got := rt.debounceWindow("telegram"); got != 250*time.Millisecond {
		t.Errorf("telegram window = %v", got)
	}
	if got := rt.debounceWindow("feishu"); got != time.Second {
		t.Errorf("feishu window = %v, want gateway default", got)
	}
	if got := rt.debounceWindow("discord"); got != 0 {
		t.Errorf("discord window = %v, want disabled", got)
	}
}

func TestChunkLimitFor(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.Feishu.TextChunkLimit = 1234
	rt := &gatewayRuntime{cfg: cfg}

	tests := []struct {
		channel string
		want    int
	}{
		{"telegram", 4096},
		{"discord", 2000},
		{"feishu", 1234},
		{"synology", 4000},
	}
	for _, tt := range tests {
		if got := rt.chunkLimitFor(tt.channel); got != tt.want {
			t.Errorf("chunkLimitFor(%s) = %d, want %d", tt.channel, got, tt.want)
		}
	}
}
