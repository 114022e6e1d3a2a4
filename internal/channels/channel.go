// Package channels provides the channel abstraction layer for multi-platform
// messaging. Adapters connect external platforms (Telegram, Discord, Feishu,
// Synology Chat) to the gateway core via the message bus.
package channels

import (
	"context"
	"strings"

	"github.com/zwright8/openclaw-sub006/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
	"cron":     true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"   // unknown senders get a pairing code
	DMPolicyAllowlist DMPolicy = "allowlist" // only allowlisted senders
	DMPolicyOpen      DMPolicy = "open"      // accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Channel is the interface every adapter implements.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord", ...).
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message. The receipt carries the
	// platform message id when the transport reports one.
	Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error)

	// IsRunning reports whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for adapter implementations.
type BaseChannel struct {
	name    string
	bus     bus.MessageRouter
	running bool
	agentID string
}

// NewBaseChannel creates a BaseChannel bound to the message router.
func NewBaseChannel(name string, router bus.MessageRouter) *BaseChannel {
	return &BaseChannel{name: name, bus: router}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AgentID returns the explicit agent ID for this channel (empty = resolve per message).
func (c *BaseChannel) AgentID() string { return c.agentID }

// SetAgentID pins inbound traffic from this channel to one agent.
func (c *BaseChannel) SetAgentID(id string) { c.agentID = id }

// IsRunning reports whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message router.
func (c *BaseChannel) Bus() bus.MessageRouter { return c.bus }

// Publish forwards a received message to the bus with the channel name and
// pinned agent filled in.
func (c *BaseChannel) Publish(msg bus.InboundMessage) {
	msg.Channel = c.name
	if msg.AgentID == "" {
		msg.AgentID = c.agentID
	}
	c.bus.PublishInbound(msg)
}

// MatchesAllowlist reports whether any of the sender's id candidates match
// an allowlist entry. Entries and candidates may use the compound
// "id|handle" form; a leading "@" on an entry is ignored. A "*" entry
// matches everyone. Display names are NOT candidates; two users can share
// a display name, so a name match must never authorize.
func MatchesAllowlist(allowList []string, candidates []string) bool {
	if len(allowList) == 0 {
		return false
	}
	for _, allowed := range allowList {
		if allowed == "*" {
			return true
		}
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedHandle := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedHandle = trimmed[idx+1:]
		}

		for _, cand := range candidates {
			if cand == "" {
				continue
			}
			idPart := cand
			handlePart := ""
			if idx := strings.Index(cand, "|"); idx > 0 {
				idPart = cand[:idx]
				handlePart = cand[idx+1:]
			}

			if cand == allowed || cand == trimmed ||
				idPart == allowed || idPart == trimmed || idPart == allowedID ||
				(allowedHandle != "" && (cand == allowedHandle || handlePart == allowedHandle)) ||
				(handlePart != "" && (handlePart == allowed || handlePart == trimmed)) {
				return true
			}
		}
	}
	return false
}

// SenderCandidates builds the normalized id candidate list for allowlist
// matching: the compound sender id, its parts, and any alternate ids.
func SenderCandidates(msg bus.InboundMessage) []string {
	out := make([]string, 0, 2+len(msg.SenderIDs))
	if msg.SenderID != "" {
		out = append(out, msg.SenderID)
	}
	out = append(out, msg.SenderIDs...)
	return out
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
