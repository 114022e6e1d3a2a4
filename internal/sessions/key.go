// Package sessions owns conversation identity and durable session state.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	DM:          {channel}:direct:{peerId}
//	Group:       {channel}:group:{groupId}
//	Forum topic: {channel}:group:{groupId}:topic:{topicId}
//	Subagent:    subagent:{label}
//	Cron run:    cron:{jobId}:run:{runId}
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical session key for a channel conversation.
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildGroupTopicSessionKey builds the session key for a forum group topic.
func BuildGroupTopicSessionKey(agentID, channel, chatID string, topicID int) string {
	return fmt.Sprintf("agent:%s:%s:group:%s:topic:%d", agentID, channel, chatID, topicID)
}

// BuildSubagentSessionKey builds the session key for a subagent.
func BuildSubagentSessionKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, label)
}

// BuildCronSessionKey builds the key for one isolated cron job run.
// Guards against double-prefixing: a jobID that is already a canonical
// session key contributes only its rest part.
func BuildCronSessionKey(agentID, jobID, runID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an
// agent, used when dm_scope="main".
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildScopedSessionKey builds a session key based on scope config.
//
// scope:
//   - "global"    → "global"
//   - "per-sender" → depends on dmScope (default)
//
// dmScope (DMs only; groups always use the full key):
//   - "main"                     → agent:{agentId}:{mainKey}
//   - "per-peer"                 → agent:{agentId}:direct:{peerId}
//   - "per-channel-peer"         → agent:{agentId}:{channel}:direct:{peerId}  (default)
//   - "per-account-channel-peer" → agent:{agentId}:{channel}:{accountId}:direct:{peerId}
func BuildScopedSessionKey(agentID, channel, accountID string, kind PeerKind, chatID, scope, dmScope, mainKey string) string {
	if scope == "global" {
		return "global"
	}
	if kind == PeerGroup {
		return BuildSessionKey(agentID, channel, kind, chatID)
	}

	switch dmScope {
	case "main":
		return BuildAgentMainSessionKey(agentID, mainKey)
	case "per-peer":
		return fmt.Sprintf("agent:%s:direct:%s", agentID, chatID)
	case "per-account-channel-peer":
		if accountID != "" {
			return fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, channel, accountID, chatID)
		}
		return BuildSessionKey(agentID, channel, kind, chatID)
	default: // "per-channel-peer" or empty
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsSubagentSession checks if a key identifies a subagent session.
func IsSubagentSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// IsCronSession checks if a key identifies any cron session.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}

// ParseCronRunKey extracts (jobID, runID) from an isolated cron run key
// of the form agent:{agentId}:cron:{jobId}:run:{runId}. ok is false for
// any other key shape.
func ParseCronRunKey(key string) (jobID, runID string, ok bool) {
	_, rest := ParseSessionKey(key)
	if !strings.HasPrefix(rest, "cron:") {
		return "", "", false
	}
	rest = strings.TrimPrefix(rest, "cron:")
	idx := strings.LastIndex(rest, ":run:")
	if idx <= 0 {
		return "", "", false
	}
	jobID = rest[:idx]
	runID = rest[idx+len(":run:"):]
	if jobID == "" || runID == "" {
		return "", "", false
	}
	return jobID, runID, true
}

// PeerKindFromGroup returns PeerGroup when isGroup is true.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
