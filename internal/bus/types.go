package bus

import "context"

// InboundMessage is a normalized message received from a channel adapter.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	AccountID   string            `json:"account_id,omitempty"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	SenderIDs   []string          `json:"sender_ids,omitempty"` // alternate sender id candidates (union id, phone, handle)
	ChatID      string            `json:"chat_id"`
	MessageID   string            `json:"message_id,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Content     string            `json:"content"`
	Media       []string          `json:"media,omitempty"`
	Mentions    []string          `json:"mentions,omitempty"`
	MentionedMe bool              `json:"mentioned_me,omitempty"`
	PeerKind    string            `json:"peer_kind,omitempty"` // "direct" or "group"
	AgentID     string            `json:"agent_id,omitempty"`  // target agent for multi-agent routing
	FromMe      bool              `json:"from_me,omitempty"`   // event originated from our own account
	Timestamp   int64             `json:"timestamp,omitempty"` // unix ms
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to deliver through a channel adapter.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	ReplyToID string            `json:"reply_to_id,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Media     []MediaAttachment `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file delivered with a message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"`
}

// SendReceipt is what an adapter returns after a successful send.
type SendReceipt struct {
	MessageID string `json:"message_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
}

// Event is a server-side event broadcast to RPC clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so the gateway
// server and the core are decoupled from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound routing between channels and
// the dispatch pipeline.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
