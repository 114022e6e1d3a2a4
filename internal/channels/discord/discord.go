// Package discord connects to the Discord gateway via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/channels"
	"github.com/zwright8/openclaw-sub006/internal/config"
)

// maxMessageLen is Discord's hard message length limit.
const maxMessageLen = 2000

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
	cfg     config.DiscordConfig
	botID   string
}

// New creates the Discord channel from config.
func New(cfg config.DiscordConfig, router bus.MessageRouter) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", router),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway session.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.onMessageCreate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botID = c.session.State.User.ID
		slog.Info("discord bot connected", "username", c.session.State.User.Username)
	}
	c.SetRunning(true)
	return nil
}

// Stop closes the gateway session.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (c *Channel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botID || m.Author.Bot {
		return
	}

	inbound := mapInbound(m.Message, c.botID)
	inbound.Content = channels.SanitizeInbound(inbound.Content)
	c.Publish(inbound)
}

// mapInbound converts a Discord message to the normalized inbound form.
// An empty GuildID means a DM channel.
func mapInbound(m *discordgo.Message, botID string) bus.InboundMessage {
	isGuild := m.GuildID != ""

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == botID {
			mentioned = true
			break
		}
	}
	content := stripBotMention(m.Content, botID)

	candidates := []string{m.Author.ID}
	if m.Author.Username != "" {
		candidates = append(candidates, m.Author.Username, m.Author.ID+"|"+m.Author.Username)
	}

	var media []string
	for _, a := range m.Attachments {
		media = append(media, a.URL)
	}

	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}

	peerKind := "direct"
	if isGuild {
		peerKind = "group"
	}

	return bus.InboundMessage{
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		SenderIDs:   candidates,
		ChatID:      m.ChannelID,
		MessageID:   m.ID,
		Content:     content,
		Media:       media,
		MentionedMe: mentioned,
		PeerKind:    peerKind,
		Timestamp:   m.Timestamp.UnixMilli(),
		Metadata: map[string]string{
			"guild_id":    m.GuildID,
			"reply_to_id": replyTo,
		},
	}
}

// stripBotMention removes <@id> and <@!id> mention markup for the bot.
func stripBotMention(content, botID string) string {
	if botID == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// Send delivers one outbound message, splitting at Discord's length limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error) {
	if !c.IsRunning() {
		return bus.SendReceipt{}, fmt.Errorf("discord session not running")
	}

	var receipt bus.SendReceipt
	parts := splitMessage(msg.Content, maxMessageLen)
	for i, part := range parts {
		send := &discordgo.MessageSend{Content: part}
		if i == 0 && msg.ReplyToID != "" {
			send.Reference = &discordgo.MessageReference{
				MessageID: msg.ReplyToID,
				ChannelID: msg.ChatID,
			}
		}
		sent, err := c.session.ChannelMessageSendComplex(msg.ChatID, send)
		if err != nil {
			return receipt, fmt.Errorf("discord send: %w", err)
		}
		if i == 0 {
			receipt = bus.SendReceipt{MessageID: sent.ID, ChatID: msg.ChatID}
		}
	}

	for _, m := range msg.Media {
		if _, err := c.session.ChannelMessageSendComplex(msg.ChatID, &discordgo.MessageSend{
			Content: m.URL,
		}); err != nil {
			slog.Warn("discord media send failed", "chat_id", msg.ChatID, "error", err)
		}
	}
	return receipt, nil
}

// splitMessage breaks text into limit-sized parts, preferring newline
// boundaries in the back half of each part.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndex(text[:limit], "\n"); idx > limit/2 {
			cut = idx + 1
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = text[cut:]
	}
	parts = append(parts, text)
	return parts
}

var _ channels.Channel = (*Channel)(nil)
