package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Feishu   FeishuConfig   `json:"feishu"`
	Synology SynologyConfig `json:"synology"`
}

// GroupChatConfig marks a chat id as a group and optionally overrides
// group gating for it. Presence of the entry alone classifies the peer
// as a group even when the transport does not flag it.
type GroupChatConfig struct {
	RequireMention *bool               `json:"require_mention,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool                       `json:"enabled"`
	Token          string                     `json:"token"`
	AllowFrom      FlexibleStringSlice        `json:"allow_from"`
	DMPolicy       string                     `json:"dm_policy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string                     `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupAllowFrom FlexibleStringSlice        `json:"group_allow_from,omitempty"`
	Groups         map[string]GroupChatConfig `json:"groups,omitempty"`
	RequireMention *bool                      `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	HistoryLimit   int                        `json:"history_limit,omitempty"`   // pending group messages kept for context (default 50, 0=disabled)
	DebounceMs     int                        `json:"debounce_ms,omitempty"`     // inbound merge window override

	UseAccessGroups             bool `json:"use_access_groups,omitempty"`              // control commands need an allowlist hit, not just delivery
	CommandFallbackToTopLevel   bool `json:"command_fallback_to_top_level,omitempty"`  // group command auth may fall back to the top-level allowlist
	AllowCommandsWithoutMention bool `json:"allow_commands_without_mention,omitempty"` // authorized commands bypass the group mention gate
}

type DiscordConfig struct {
	Enabled        bool                       `json:"enabled"`
	Token          string                     `json:"token"`
	AllowFrom      FlexibleStringSlice        `json:"allow_from"`
	DMPolicy       string                     `json:"dm_policy,omitempty"`    // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string                     `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
	GroupAllowFrom FlexibleStringSlice        `json:"group_allow_from,omitempty"`
	Groups         map[string]GroupChatConfig `json:"groups,omitempty"`
	RequireMention *bool                      `json:"require_mention,omitempty"`
	HistoryLimit   int                        `json:"history_limit,omitempty"`
	DebounceMs     int                        `json:"debounce_ms,omitempty"`

	UseAccessGroups             bool `json:"use_access_groups,omitempty"`
	CommandFallbackToTopLevel   bool `json:"command_fallback_to_top_level,omitempty"`
	AllowCommandsWithoutMention bool `json:"allow_commands_without_mention,omitempty"`
}

type FeishuConfig struct {
	Enabled           bool                       `json:"enabled"`
	AppID             string                     `json:"app_id"`
	AppSecret         string                     `json:"app_secret"`
	EncryptKey        string                     `json:"encrypt_key,omitempty"`
	VerificationToken string                     `json:"verification_token,omitempty"`
	Domain            string                     `json:"domain,omitempty"`          // "lark" (default/global), "feishu" (China), or custom URL
	ConnectionMode    string                     `json:"connection_mode,omitempty"` // "webhook" (default)
	WebhookPort       int                        `json:"webhook_port,omitempty"`    // default 3000
	WebhookPath       string                     `json:"webhook_path,omitempty"`    // default "/feishu/events"
	AllowFrom         FlexibleStringSlice        `json:"allow_from"`
	DMPolicy          string                     `json:"dm_policy,omitempty"`    // "pairing" (default)
	GroupPolicy       string                     `json:"group_policy,omitempty"` // "open" (default)
	GroupAllowFrom    FlexibleStringSlice        `json:"group_allow_from,omitempty"`
	Groups            map[string]GroupChatConfig `json:"groups,omitempty"`
	RequireMention    *bool                      `json:"require_mention,omitempty"` // default true (groups)
	TextChunkLimit    int                        `json:"text_chunk_limit,omitempty"` // default 4000
	HistoryLimit      int                        `json:"history_limit,omitempty"`
	DebounceMs        int                        `json:"debounce_ms,omitempty"`

	UseAccessGroups             bool `json:"use_access_groups,omitempty"`
	CommandFallbackToTopLevel   bool `json:"command_fallback_to_top_level,omitempty"`
	AllowCommandsWithoutMention bool `json:"allow_commands_without_mention,omitempty"`
}

// SynologyConfig configures the Synology Chat incoming/outgoing webhook pair.
type SynologyConfig struct {
	Enabled     bool                `json:"enabled"`
	Token       string              `json:"token"`                  // outgoing-webhook token for inbound verification
	IncomingURL string              `json:"incoming_url,omitempty"` // Synology incoming-webhook URL for replies
	ListenPort  int                 `json:"listen_port,omitempty"`  // default 3001
	ListenPath  string              `json:"listen_path,omitempty"`  // default "/synology/webhook"
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"` // "allowlist" (default), "open", "disabled"
	DebounceMs  int                 `json:"debounce_ms,omitempty"`
}

// GatewayConfig controls the gateway RPC server.
type GatewayConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Token             string   `json:"token,omitempty"`           // bearer token for WS auth
	OwnerIDs          []string `json:"owner_ids,omitempty"`       // sender IDs considered "owner"
	AllowedOrigins    []string `json:"allowed_origins,omitempty"` // WebSocket origin whitelist (empty = allow all)
	MaxMessageChars   int      `json:"max_message_chars,omitempty"`   // max user message characters (default 32000)
	RateLimitRPM      int      `json:"rate_limit_rpm,omitempty"`      // requests per minute per sender (default 20, 0 = disabled)
	InboundDebounceMs int      `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from same sender (default 1000ms, -1 = disabled)
}
