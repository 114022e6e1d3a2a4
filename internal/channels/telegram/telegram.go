// Package telegram connects to the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/channels"
	"github.com/zwright8/openclaw-sub006/internal/config"
)

// generalTopicID is the fixed id of the "General" topic in forum
// supergroups. Telegram rejects sends that name it explicitly, so it is
// omitted from send params.
const generalTopicID = 1

const stopTimeout = 10 * time.Second

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot *telego.Bot
	cfg config.TelegramConfig

	botUsername string
	pollCancel  context.CancelFunc
	pollDone    chan struct{}
}

// New creates the Telegram channel from config.
func New(cfg config.TelegramConfig, router bus.MessageRouter) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", router),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.botUsername = c.bot.Username()
	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.botUsername)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine. Telegram holds a
// getUpdates lock per bot; a new instance cannot poll until it is released.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(stopTimeout):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil {
		return
	}

	inbound := mapInbound(msg, c.botUsername)
	inbound.Content = channels.SanitizeInbound(inbound.Content)
	c.Publish(inbound)
}

// mapInbound converts a Telegram message to the normalized inbound form.
// Forum topic messages get a composite chat id so each topic keeps its own
// session.
func mapInbound(msg *telego.Message, botUsername string) bus.InboundMessage {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup

	threadID := ""
	if msg.MessageThreadID != 0 && msg.MessageThreadID != generalTopicID {
		threadID = strconv.Itoa(msg.MessageThreadID)
		if isGroup {
			chatID = fmt.Sprintf("%s:topic:%s", chatID, threadID)
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	mentioned, text := extractMention(text, botUsername)

	senderID := strconv.FormatInt(msg.From.ID, 10)
	candidates := []string{senderID}
	if msg.From.Username != "" {
		candidates = append(candidates, msg.From.Username, senderID+"|"+msg.From.Username)
	}

	var media []string
	if len(msg.Photo) > 0 {
		media = append(media, msg.Photo[len(msg.Photo)-1].FileID)
	}
	if msg.Document != nil {
		media = append(media, msg.Document.FileID)
	}
	if msg.Voice != nil {
		media = append(media, msg.Voice.FileID)
	}

	replyTo := ""
	if msg.ReplyToMessage != nil {
		replyTo = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	return bus.InboundMessage{
		SenderID:    senderID,
		SenderName:  strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		SenderIDs:   candidates,
		ChatID:      chatID,
		MessageID:   strconv.Itoa(msg.MessageID),
		ThreadID:    threadID,
		Content:     text,
		Media:       media,
		MentionedMe: mentioned,
		PeerKind:    string(sessionsPeerKind(isGroup)),
		Timestamp:   msg.Date * 1000,
		Metadata:    map[string]string{"reply_to_id": replyTo},
	}
}

func sessionsPeerKind(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "direct"
}

// extractMention reports whether the bot was @-mentioned and strips the
// mention from the text. Stripping is idempotent.
func extractMention(text, botUsername string) (bool, string) {
	if botUsername == "" {
		return false, text
	}
	tag := "@" + botUsername
	if !containsFold(text, tag) {
		return false, text
	}
	out := text
	for {
		idx := indexFold(out, tag)
		if idx < 0 {
			break
		}
		out = strings.TrimSpace(out[:idx] + out[idx+len(tag):])
	}
	return true, out
}

func containsFold(s, sub string) bool { return indexFold(s, sub) >= 0 }

func indexFold(s, sub string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(sub))
}

// Send delivers one outbound message.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error) {
	if !c.IsRunning() {
		return bus.SendReceipt{}, fmt.Errorf("telegram bot not running")
	}

	chatID, threadID, err := parseTarget(msg.ChatID, msg.ThreadID)
	if err != nil {
		return bus.SendReceipt{}, fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}

	for _, m := range msg.Media {
		if err := c.sendMedia(ctx, chatID, threadID, m); err != nil {
			slog.Warn("telegram media send failed", "chat_id", msg.ChatID, "error", err)
		}
	}
	if msg.Content == "" {
		return bus.SendReceipt{ChatID: msg.ChatID}, nil
	}

	params := &telego.SendMessageParams{
		ChatID:          telego.ChatID{ID: chatID},
		Text:            msg.Content,
		MessageThreadID: threadID,
	}
	if msg.ReplyToID != "" {
		if replyID, err := strconv.Atoi(msg.ReplyToID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
		}
	}

	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return bus.SendReceipt{}, fmt.Errorf("telegram send: %w", err)
	}
	return bus.SendReceipt{MessageID: strconv.Itoa(sent.MessageID), ChatID: msg.ChatID}, nil
}

func (c *Channel) sendMedia(ctx context.Context, chatID int64, threadID int, media bus.MediaAttachment) error {
	file := telego.InputFile{URL: media.URL}
	switch {
	case media.AsVoice:
		_, err := c.bot.SendVoice(ctx, &telego.SendVoiceParams{
			ChatID: telego.ChatID{ID: chatID}, Voice: file, MessageThreadID: threadID,
		})
		return err
	case strings.HasPrefix(media.ContentType, "image/"):
		_, err := c.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: telego.ChatID{ID: chatID}, Photo: file, Caption: media.Caption, MessageThreadID: threadID,
		})
		return err
	default:
		_, err := c.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID: telego.ChatID{ID: chatID}, Document: file, Caption: media.Caption, MessageThreadID: threadID,
		})
		return err
	}
}

// parseTarget splits a possibly composite "chatId:topic:threadId" target.
// The General topic id is omitted from send params.
func parseTarget(chatID, threadID string) (int64, int, error) {
	raw := chatID
	topic := threadID
	if idx := strings.Index(chatID, ":topic:"); idx > 0 {
		raw = chatID[:idx]
		topic = chatID[idx+len(":topic:"):]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	thread := 0
	if topic != "" {
		if t, err := strconv.Atoi(topic); err == nil && t != generalTopicID {
			thread = t
		}
	}
	return id, thread, nil
}

var _ channels.Channel = (*Channel)(nil)
