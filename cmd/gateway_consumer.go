package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zwright8/openclaw-sub006/internal/agent"
	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/channels"
	"github.com/zwright8/openclaw-sub006/internal/config"
	"github.com/zwright8/openclaw-sub006/internal/dispatch"
	"github.com/zwright8/openclaw-sub006/internal/policy"
	"github.com/zwright8/openclaw-sub006/internal/sessions"
	"github.com/zwright8/openclaw-sub006/internal/telemetry"
	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

// Inbound dedupe: webhook retries and double-taps must not duplicate runs.
const (
	dedupeTTL = 20 * time.Minute
	dedupeMax = 5000
)

// consumeInbound is the main dispatch loop: dedupe, internal-channel
// bypass, per-conversation debounce, then policy → session init → agent
// run → delivery.
func (rt *gatewayRuntime) consumeInbound(ctx context.Context) {
	slog.Info("inbound consumer started")

	dedupe := bus.NewDedupeCache(dedupeTTL, dedupeMax)

	var mu sync.Mutex
	debouncers := make(map[string]*bus.InboundDebouncer)
	debouncerFor := func(channel string) *bus.InboundDebouncer {
		mu.Lock()
		defer mu.Unlock()
		if d, ok := debouncers[channel]; ok {
			return d
		}
		d := bus.NewInboundDebouncer(rt.debounceWindow(channel), func(msg bus.InboundMessage) {
			rt.processInbound(ctx, msg)
		})
		debouncers[channel] = d
		return d
	}
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range debouncers {
			d.Stop()
		}
	}()

	for {
		msg, ok := rt.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound consumer stopped")
			return
		}
		if msg.MessageID != "" && dedupe.IsDuplicate(msg.Channel+":"+msg.MessageID) {
			slog.Debug("inbound duplicate dropped", "channel", msg.Channel, "message_id", msg.MessageID)
			continue
		}

		// Internal traffic (subagent announce, cron output) skips policy
		// and debounce entirely.
		if channels.IsInternalChannel(msg.Channel) {
			go rt.processInbound(ctx, msg)
			continue
		}

		debouncerFor(msg.Channel).Push(msg)
	}
}

// debounceWindow resolves the merge window for a channel, with the
// gateway-level default and per-channel overrides.
func (rt *gatewayRuntime) debounceWindow(channel string) time.Duration {
	ms := rt.cfg.Gateway.InboundDebounceMs
	override := 0
	switch channel {
	case "telegram":
		override = rt.cfg.Channels.Telegram.DebounceMs
	case "discord":
		override = rt.cfg.Channels.Discord.DebounceMs
	case "feishu":
		override = rt.cfg.Channels.Feishu.DebounceMs
	case "synology":
		override = rt.cfg.Channels.Synology.DebounceMs
	}
	if override != 0 {
		ms = override
	}
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// processInbound applies inbound policy and routes one (possibly merged)
// message.
func (rt *gatewayRuntime) processInbound(ctx context.Context, msg bus.InboundMessage) {
	pol := rt.policyFor(msg.Channel)
	decision := policy.ResolveInboundDecision(pol, msg, rt.pairing.AllowFrom(msg.Channel), rt.echo)

	switch decision.Kind {
	case policy.KindDrop:
		if decision.Reason == policy.DropNotMentioned {
			rt.history.Record(groupHistoryKey(msg), channels.HistoryEntry{
				SenderName: msg.SenderName,
				SenderID:   msg.SenderID,
				Text:       msg.Content,
			})
		}
		slog.Debug("inbound dropped",
			"channel", msg.Channel, "sender", msg.SenderID, "reason", decision.Reason)

	case policy.KindPairing:
		rt.handlePairing(ctx, msg, decision.SenderID)

	case policy.KindDispatch:
		rt.handleDispatch(ctx, msg, decision.Context)
	}
}

// policyFor snapshots the policy-relevant slice of a channel's config.
func (rt *gatewayRuntime) policyFor(channel string) policy.ChannelPolicy {
	mentionNames := []string{rt.cfg.ResolveDisplayName(rt.cfg.ResolveDefaultAgentID())}

	toOverrides := func(groups map[string]config.GroupChatConfig) map[string]policy.GroupOverride {
		if len(groups) == 0 {
			return nil
		}
		out := make(map[string]policy.GroupOverride, len(groups))
		for id, g := range groups {
			out[id] = policy.GroupOverride{RequireMention: g.RequireMention, AllowFrom: g.AllowFrom}
		}
		return out
	}

	switch channel {
	case "telegram":
		c := rt.cfg.Channels.Telegram
		return policy.ChannelPolicy{
			DMPolicy: c.DMPolicy, GroupPolicy: c.GroupPolicy,
			AllowFrom: c.AllowFrom, GroupAllowFrom: c.GroupAllowFrom,
			Groups: toOverrides(c.Groups), RequireMention: c.RequireMention,
			MentionNames:                mentionNames,
			UseAccessGroups:             c.UseAccessGroups,
			CommandFallbackToTopLevel:   c.CommandFallbackToTopLevel,
			AllowCommandsWithoutMention: c.AllowCommandsWithoutMention,
		}
	case "discord":
		c := rt.cfg.Channels.Discord
		return policy.ChannelPolicy{
			DMPolicy: c.DMPolicy, GroupPolicy: c.GroupPolicy,
			AllowFrom: c.AllowFrom, GroupAllowFrom: c.GroupAllowFrom,
			Groups: toOverrides(c.Groups), RequireMention: c.RequireMention,
			MentionNames:                mentionNames,
			UseAccessGroups:             c.UseAccessGroups,
			CommandFallbackToTopLevel:   c.CommandFallbackToTopLevel,
			AllowCommandsWithoutMention: c.AllowCommandsWithoutMention,
		}
	case "feishu":
		c := rt.cfg.Channels.Feishu
		return policy.ChannelPolicy{
			DMPolicy: c.DMPolicy, GroupPolicy: c.GroupPolicy,
			AllowFrom: c.AllowFrom, GroupAllowFrom: c.GroupAllowFrom,
			Groups: toOverrides(c.Groups), RequireMention: c.RequireMention,
			MentionNames:                mentionNames,
			UseAccessGroups:             c.UseAccessGroups,
			CommandFallbackToTopLevel:   c.CommandFallbackToTopLevel,
			AllowCommandsWithoutMention: c.AllowCommandsWithoutMention,
		}
	case "synology":
		c := rt.cfg.Channels.Synology
		// DM gate already ran at the webhook edge; keep it consistent here.
		return policy.ChannelPolicy{DMPolicy: c.DMPolicy, AllowFrom: c.AllowFrom}
	default:
		return policy.ChannelPolicy{DMPolicy: "disabled", GroupPolicy: "disabled"}
	}
}

// handlePairing issues (or re-issues) a pairing code and tells the sender
// how to get approved.
func (rt *gatewayRuntime) handlePairing(ctx context.Context, msg bus.InboundMessage, senderID string) {
	code, err := rt.pairing.RequestCode(msg.Channel, senderID, map[string]string{
		"name":    msg.SenderName,
		"chat_id": msg.ChatID,
	})
	if err != nil {
		slog.Warn("pairing request failed", "channel", msg.Channel, "sender", senderID, "error", err)
		return
	}

	rt.server.BroadcastEvent(*protocol.NewEvent(protocol.EventPairingReq, map[string]string{
		"channel": msg.Channel,
		"sender":  senderID,
		"code":    code,
	}))

	reply := fmt.Sprintf(
		"You are not paired with this bot yet.\nPairing code: %s\nAsk the operator to run: openclaw pairing approve %s %s",
		code, msg.Channel, code)
	if _, err := rt.manager.SendToChannel(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	}); err != nil {
		slog.Warn("pairing reply failed", "channel", msg.Channel, "error", err)
	}
}

// handleDispatch runs one authorized inbound message through session init,
// the agent, and the reply pipeline.
func (rt *gatewayRuntime) handleDispatch(ctx context.Context, msg bus.InboundMessage, dc *policy.DispatchContext) {
	if dc == nil {
		dc = &policy.DispatchContext{PeerKind: msg.PeerKind}
	}

	if dc.CommandAuthorized && rt.handleControlCommand(ctx, msg) {
		return
	}

	agentID := msg.AgentID
	if agentID == "" {
		agentID = rt.cfg.ResolveAgentForMessage(
			msg.Channel, msg.AccountID, dc.PeerKind, msg.ChatID, msg.Metadata["guild_id"])
	}
	agentCfg := rt.cfg.ResolveAgent(agentID)

	content := msg.Content
	if dc.Mentioned {
		content = policy.StripMentions([]string{rt.cfg.ResolveDisplayName(agentID)}, content)
	}

	// One run at a time per session: later messages for the same session
	// queue here so replies keep arrival order.
	release := rt.leases.Acquire(sessions.BuildScopedSessionKey(
		agentID, msg.Channel, msg.AccountID, sessions.PeerKind(dc.PeerKind), msg.ChatID,
		rt.cfg.Sessions.Scope, rt.cfg.Sessions.DmScope, rt.cfg.Sessions.MainKey))
	defer release()

	init, err := sessions.InitSessionState(sessions.InitParams{
		Store:         rt.store,
		TranscriptDir: rt.transcriptsDir,
		AgentID:       agentID,
		Channel:       msg.Channel,
		AccountID:     msg.AccountID,
		PeerKind:      sessions.PeerKind(dc.PeerKind),
		ChatID:        msg.ChatID,
		ThreadID:      msg.ThreadID,
		Content:       content,
		DisplayName:   msg.SenderName,
		Scope:         rt.cfg.Sessions.Scope,
		DmScope:       rt.cfg.Sessions.DmScope,
		MainKey:       rt.cfg.Sessions.MainKey,
		Policy: sessions.ResetPolicy{
			DirectIdle: time.Duration(rt.cfg.Sessions.IdleMinutes) * time.Minute,
			GroupIdle:  time.Duration(rt.cfg.Sessions.GroupIdleMinutes) * time.Minute,
		},
	})
	if err != nil {
		slog.Error("session init failed", "channel", msg.Channel, "error", err)
		return
	}
	if init.Trigger != "" && strings.TrimSpace(content) == init.Trigger {
		// A bare reset trigger starts a fresh session and says so; there
		// is nothing to run.
		rt.manager.SendToChannel(ctx, bus.OutboundMessage{
			Channel: msg.Channel, ChatID: msg.ChatID, Content: "Session reset.",
		})
		return
	}

	// Pending group context recorded while the bot was not addressed.
	historyCtx := channels.FormatContext(rt.history.Drain(groupHistoryKey(msg)))

	slog.Info("inbound dispatch",
		"channel", msg.Channel, "chat_id", msg.ChatID, "peer_kind", dc.PeerKind,
		"agent", agentID, "session", init.Key, "new", init.IsNew)

	runCtx, span := telemetry.Tracer("dispatch").Start(ctx, "agent.run")
	span.SetAttributes(
		attribute.String("channel", msg.Channel),
		attribute.String("agent.id", agentID),
	)
	res, err := rt.runner.Run(runCtx, agent.RunRequest{
		SessionKey: init.Key,
		AgentID:    agentID,
		Message:    content,
		Context:    historyCtx,
		Channel:    msg.Channel,
		AccountID:  msg.AccountID,
		ChatID:     msg.ChatID,
		ThreadID:   msg.ThreadID,
		SenderID:   msg.SenderID,
		Timeout:    time.Duration(agentCfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		span.RecordError(err)
		span.End()
		slog.Error("agent run failed", "session", init.Key, "error", err)
		rt.manager.SendToChannel(ctx, bus.OutboundMessage{
			Channel: msg.Channel, ChatID: msg.ChatID, ThreadID: msg.ThreadID,
			Content: "Something went wrong handling that message.",
		})
		return
	}
	span.End()

	if _, err := dispatch.NewDispatcher(rt.manager).Deliver(ctx, res.Payloads, dispatch.Options{
		Channel:          msg.Channel,
		AccountID:        msg.AccountID,
		ChatID:           msg.ChatID,
		ThreadID:         msg.ThreadID,
		CurrentMessageID: msg.MessageID,
		Threading:        rt.threadingFor(msg.Channel, dc.PeerKind),
		ChunkLimit:       rt.chunkLimitFor(msg.Channel),
	}); err != nil {
		slog.Error("reply delivery failed", "session", init.Key, "error", err)
	}
}

// threadingFor picks the implicit reply mode: group chats thread the first
// reply onto the triggering message so parallel conversations stay legible.
func (rt *gatewayRuntime) threadingFor(channel, peerKind string) dispatch.ThreadingMode {
	if peerKind == string(sessions.PeerGroup) {
		return dispatch.ThreadFirst
	}
	return dispatch.ThreadOff
}

func (rt *gatewayRuntime) chunkLimitFor(channel string) int {
	switch channel {
	case "telegram":
		return 4096
	case "discord":
		return 2000
	case "feishu":
		limit := rt.cfg.Channels.Feishu.TextChunkLimit
		if limit <= 0 {
			limit = 4000
		}
		return limit
	default:
		return 4000
	}
}

func groupHistoryKey(msg bus.InboundMessage) string {
	return msg.Channel + ":" + msg.ChatID
}
