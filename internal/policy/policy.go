// Package policy decides, per inbound event, whether to drop, pair, or
// dispatch. Decisions are pure functions of the channel config, allowlist
// snapshots, and the event itself, so every outcome is reproducible in tests.
package policy

import (
	"strings"

	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/channels"
)

// Stable drop reasons, logged for observability.
const (
	DropSelf             = "self"
	DropEmpty            = "empty"
	DropDMDisabled       = "dm disabled"
	DropDMNotAuthorized  = "dm not authorized"
	DropGroupDisabled    = "group disabled"
	DropGroupListEmpty   = "group allowlist empty"
	DropGroupNotAllowed  = "group sender not allowed"
	DropGroupIDNotListed = "group id not in allowlist"
	DropNotMentioned     = "not mentioned"
	DropEcho             = "echo"
)

// DecisionKind tags the Decision variant.
type DecisionKind int

const (
	KindDrop DecisionKind = iota
	KindPairing
	KindDispatch
)

// Decision is the policy outcome for one inbound event.
type Decision struct {
	Kind     DecisionKind
	Reason   string           // Drop: stable reason string
	SenderID string           // Pairing: normalized sender id
	Context  *DispatchContext // Dispatch: everything downstream needs
}

// DispatchContext carries the resolved facts a dispatch consumer needs.
type DispatchContext struct {
	PeerKind          string // "direct" or "group"
	CommandAuthorized bool
	Mentioned         bool
}

// GroupOverride is the per-group entry from config. Its presence alone
// classifies the chat id as a group.
type GroupOverride struct {
	RequireMention *bool
	AllowFrom      []string
}

// ChannelPolicy is the policy-relevant slice of a channel's config.
type ChannelPolicy struct {
	DMPolicy       string // "pairing", "allowlist", "open", "disabled"
	GroupPolicy    string // "open", "allowlist", "disabled"
	AllowFrom      []string
	GroupAllowFrom []string
	Groups         map[string]GroupOverride
	// AllowedGroupIDs, when non-empty, restricts group chats to the listed ids.
	AllowedGroupIDs []string
	// RequireMention gates group messages on an explicit bot mention
	// (default true when nil).
	RequireMention *bool
	// MentionNames are the bot's mention keys (display name, handle); used
	// when the transport does not flag mentions itself.
	MentionNames []string
	// AllowCommandsWithoutMention lets authorized control commands through
	// the mention gate.
	AllowCommandsWithoutMention bool
	// UseAccessGroups enables the command authorizer chain; when false,
	// anyone who passed the channel policy may issue commands.
	UseAccessGroups bool
	// CommandFallbackToTopLevel lets group commands fall back to the
	// top-level allowFrom when the group has no scoped allowlist.
	CommandFallbackToTopLevel bool
}

// EchoView is the read side of the echo cache.
type EchoView interface {
	IsEcho(scope, text, messageID string) bool
}

// Drop builds a drop decision.
func Drop(reason string) Decision {
	return Decision{Kind: KindDrop, Reason: reason}
}

// ResolveInboundDecision classifies one inbound event. runtimeAllow is the
// pairing store's allowFrom snapshot for this channel, merged with the
// config allowlist for DM authorization.
func ResolveInboundDecision(cfg ChannelPolicy, msg bus.InboundMessage, runtimeAllow []string, echo EchoView) Decision {
	if msg.FromMe {
		return Drop(DropSelf)
	}
	if msg.SenderID == "" {
		return Drop(DropSelf)
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Media) == 0 {
		return Drop(DropEmpty)
	}

	group, override := classifyGroup(cfg, msg)
	candidates := channels.SenderCandidates(msg)
	effectiveAllow := mergeAllow(cfg.AllowFrom, runtimeAllow)

	var cmdAuthorized bool

	if group {
		groupAllow := cfg.GroupAllowFrom
		if override != nil && len(override.AllowFrom) > 0 {
			groupAllow = override.AllowFrom
		}

		switch cfg.GroupPolicy {
		case "disabled":
			return Drop(DropGroupDisabled)
		case "allowlist":
			if len(groupAllow) == 0 {
				return Drop(DropGroupListEmpty)
			}
			if !channels.MatchesAllowlist(groupAllow, candidates) {
				return Drop(DropGroupNotAllowed)
			}
		}

		if len(cfg.AllowedGroupIDs) > 0 && !containsString(cfg.AllowedGroupIDs, msg.ChatID) {
			return Drop(DropGroupIDNotListed)
		}

		cmdAuthorized = ResolveCommandAuthorizedFromAuthorizers(AuthorizerChain{
			UseAccessGroups: cfg.UseAccessGroups,
			Authorizers: []Authorizer{
				{Configured: len(groupAllow) > 0, Allowed: channels.MatchesAllowlist(groupAllow, candidates)},
				{Configured: cfg.CommandFallbackToTopLevel && len(effectiveAllow) > 0, Allowed: channels.MatchesAllowlist(effectiveAllow, candidates)},
			},
		})

		requireMention := true
		if override != nil && override.RequireMention != nil {
			requireMention = *override.RequireMention
		} else if cfg.RequireMention != nil {
			requireMention = *cfg.RequireMention
		}

		mentioned := msg.MentionedMe || MentionedInText(cfg.MentionNames, msg.Content)
		if requireMention && hasMentionGate(cfg, msg) && !mentioned {
			if !(cfg.AllowCommandsWithoutMention && cmdAuthorized && IsControlCommand(msg.Content)) {
				return Drop(DropNotMentioned)
			}
		}

		if echo != nil && echo.IsEcho(msg.Channel+"|"+msg.ChatID, msg.Content, msg.MessageID) {
			return Drop(DropEcho)
		}
		return Decision{Kind: KindDispatch, Context: &DispatchContext{
			PeerKind:          "group",
			CommandAuthorized: cmdAuthorized,
			Mentioned:         mentioned,
		}}
	}

	// Direct message.
	dmAuthorized := channels.MatchesAllowlist(effectiveAllow, candidates)

	switch cfg.DMPolicy {
	case "disabled":
		return Drop(DropDMDisabled)
	case "pairing":
		if !dmAuthorized {
			return Decision{Kind: KindPairing, SenderID: NormalizeSenderID(msg.SenderID)}
		}
	case "allowlist":
		if !dmAuthorized {
			return Drop(DropDMNotAuthorized)
		}
	}

	cmdAuthorized = ResolveCommandAuthorizedFromAuthorizers(AuthorizerChain{
		UseAccessGroups: cfg.UseAccessGroups,
		Authorizers: []Authorizer{
			{Configured: len(effectiveAllow) > 0, Allowed: dmAuthorized},
		},
	})

	if echo != nil && echo.IsEcho(msg.Channel+"|"+msg.ChatID, msg.Content, msg.MessageID) {
		return Drop(DropEcho)
	}
	return Decision{Kind: KindDispatch, Context: &DispatchContext{
		PeerKind:          "direct",
		CommandAuthorized: cmdAuthorized,
		Mentioned:         true,
	}}
}

// classifyGroup reports whether the conversation is a group: either the
// transport flagged it, or the owner listed the chat id explicitly.
func classifyGroup(cfg ChannelPolicy, msg bus.InboundMessage) (bool, *GroupOverride) {
	if ov, ok := cfg.Groups[msg.ChatID]; ok {
		return true, &ov
	}
	if msg.PeerKind == "group" {
		return true, nil
	}
	return false, nil
}

// hasMentionGate reports whether there is any mention signal to gate on:
// a transport-level mention flag is always usable; otherwise we need at
// least one configured mention name.
func hasMentionGate(cfg ChannelPolicy, msg bus.InboundMessage) bool {
	return len(cfg.MentionNames) > 0 || msg.MentionedMe || len(msg.Mentions) > 0
}

// NormalizeSenderID strips the compound "|handle" suffix, leaving the
// stable platform id used as the pairing key.
func NormalizeSenderID(senderID string) string {
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		return senderID[:idx]
	}
	return senderID
}

// IsControlCommand reports whether the text is a slash command.
func IsControlCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

func mergeAllow(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, v := range append(append([]string{}, a...), b...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
