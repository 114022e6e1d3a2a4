// Package feishu implements the Feishu/Lark channel over the event
// webhook callback. Inbound events arrive via HTTP; outbound messages go
// through the Open API.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/channels"
	"github.com/zwright8/openclaw-sub006/internal/config"
)

const (
	defaultTextChunkLimit = 4000
	defaultWebhookPort    = 3000
	defaultWebhookPath    = "/feishu/events"
	dedupeTTL             = 5 * time.Minute
)

// Channel is the Feishu/Lark adapter.
type Channel struct {
	*channels.BaseChannel
	cfg    config.FeishuConfig
	client MessageSender

	botOpenID  string
	dedup      sync.Map // message_id → time.Time
	httpServer *http.Server
}

// New creates the Feishu channel from config. A nil client builds the
// real Lark API client.
func New(cfg config.FeishuConfig, router bus.MessageRouter, client MessageSender) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are required")
	}
	if client == nil {
		client = NewLarkClient(cfg.AppID, cfg.AppSecret, cfg.Domain)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("feishu", router),
		cfg:         cfg,
		client:      client,
	}, nil
}

// Start probes the bot identity and brings up the webhook listener.
func (c *Channel) Start(ctx context.Context) error {
	mode := c.cfg.ConnectionMode
	if mode != "" && mode != "webhook" {
		return fmt.Errorf("feishu connection_mode %q not supported, use \"webhook\"", mode)
	}

	if openID, err := c.client.GetBotInfo(ctx); err != nil {
		slog.Warn("feishu bot probe failed, mention detection degraded", "error", err)
	} else {
		c.botOpenID = openID
		slog.Info("feishu bot connected", "bot_open_id", openID)
	}

	port := c.cfg.WebhookPort
	if port <= 0 {
		port = defaultWebhookPort
	}
	path := c.cfg.WebhookPath
	if path == "" {
		path = defaultWebhookPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, NewWebhookHandler(c.cfg.VerificationToken, c.handleEvent))
	c.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("feishu webhook server error", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("feishu webhook listening", "port", port, "path", path)
	return nil
}

// Stop shuts the webhook listener down.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return c.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

// handleEvent maps one message event onto the bus. Redelivered events
// (platform retries) are dropped by message id.
func (c *Channel) handleEvent(event *MessageEvent) {
	msg := &event.Event.Message
	if msg.MessageID == "" || c.isDuplicate(msg.MessageID) {
		return
	}

	content, postMention := ParseContent(msg.Content, msg.MessageType, c.botOpenID)
	mentioned := postMention || ParseMentionedBot(msg.Mentions, c.botOpenID)
	if mentioned {
		content = StripMentions(content, msg.Mentions, c.botOpenID)
	}
	content = channels.SanitizeInbound(content)

	peerKind := "direct"
	if msg.ChatType == "group" {
		peerKind = "group"
	}

	candidates := SenderCandidates(event)
	senderID := ""
	if len(candidates) > 0 {
		senderID = candidates[0]
	}

	c.Publish(bus.InboundMessage{
		SenderID:    senderID,
		SenderIDs:   candidates,
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		ThreadID:    msg.RootID,
		Content:     content,
		MentionedMe: mentioned,
		PeerKind:    peerKind,
		Timestamp:   time.Now().UnixMilli(),
	})
}

func (c *Channel) isDuplicate(messageID string) bool {
	now := time.Now()
	if v, loaded := c.dedup.LoadOrStore(messageID, now); loaded {
		if t, ok := v.(time.Time); ok && now.Sub(t) < dedupeTTL {
			return true
		}
		c.dedup.Store(messageID, now)
		return false
	}
	return false
}

// Send delivers one outbound message, chunked at the text limit. Content
// with code fences or tables goes out as a markdown card.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error) {
	if !c.IsRunning() {
		return bus.SendReceipt{}, fmt.Errorf("feishu channel not running")
	}
	if msg.ChatID == "" {
		return bus.SendReceipt{}, fmt.Errorf("empty chat id for feishu send")
	}
	if msg.Content == "" {
		return bus.SendReceipt{ChatID: msg.ChatID}, nil
	}

	receiveIDType := resolveReceiveIDType(msg.ChatID)

	if shouldUseCard(msg.Content) {
		card, err := json.Marshal(buildMarkdownCard(msg.Content))
		if err != nil {
			return bus.SendReceipt{}, err
		}
		id, err := c.client.SendMessage(ctx, receiveIDType, msg.ChatID, "interactive", string(card))
		if err != nil {
			return bus.SendReceipt{}, err
		}
		return bus.SendReceipt{MessageID: id, ChatID: msg.ChatID}, nil
	}

	limit := c.cfg.TextChunkLimit
	if limit <= 0 {
		limit = defaultTextChunkLimit
	}

	var firstID string
	text := msg.Content
	for len(text) > 0 {
		chunk := text
		if len(chunk) > limit {
			cut := limit
			if idx := strings.LastIndex(text[:limit], "\n"); idx > limit/2 {
				cut = idx + 1
			}
			chunk, text = text[:cut], text[cut:]
		} else {
			text = ""
		}

		payload, _ := json.Marshal(map[string]string{"text": chunk})
		id, err := c.client.SendMessage(ctx, receiveIDType, msg.ChatID, "text", string(payload))
		if err != nil {
			return bus.SendReceipt{}, fmt.Errorf("feishu send: %w", err)
		}
		if firstID == "" {
			firstID = id
		}
	}
	return bus.SendReceipt{MessageID: firstID, ChatID: msg.ChatID}, nil
}

// resolveReceiveIDType infers the receive_id_type from the id prefix.
func resolveReceiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default:
		return "chat_id"
	}
}

func shouldUseCard(text string) bool {
	return strings.Contains(text, "```") || strings.Contains(text, "|---|") || strings.Contains(text, "| --- ")
}

func buildMarkdownCard(text string) map[string]interface{} {
	return map[string]interface{}{
		"schema": "2.0",
		"config": map[string]interface{}{"wide_screen_mode": true},
		"body": map[string]interface{}{
			"elements": []map[string]interface{}{
				{"tag": "markdown", "content": text},
			},
		},
	}
}

var _ channels.Channel = (*Channel)(nil)
