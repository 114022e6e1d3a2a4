// Package synology implements the Synology Chat adapter over its
// incoming/outgoing webhook pair: Synology POSTs user messages to our
// listener, replies go back through the incoming-webhook URL.
package synology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zwright8/openclaw-sub006/internal/bus"
	"github.com/zwright8/openclaw-sub006/internal/channels"
	"github.com/zwright8/openclaw-sub006/internal/config"
)

const (
	defaultListenPort = 3001
	defaultListenPath = "/synology/webhook"
)

// Channel is the Synology Chat adapter.
type Channel struct {
	*channels.BaseChannel
	cfg config.SynologyConfig

	httpServer *http.Server
	httpClient *http.Client
}

// New creates the Synology channel from config.
func New(cfg config.SynologyConfig, router bus.MessageRouter) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("synology token is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("synology", router),
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Start brings up the outgoing-webhook listener.
func (c *Channel) Start(ctx context.Context) error {
	port := c.cfg.ListenPort
	if port <= 0 {
		port = defaultListenPort
	}
	path := c.cfg.ListenPath
	if path == "" {
		path = defaultListenPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, c.handleWebhook)
	c.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("synology webhook server error", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("synology webhook listening", "port", port, "path", path)
	return nil
}

// Stop shuts the listener down.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return c.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

// handleWebhook terminates one outgoing-webhook call from Synology Chat.
// DM policy is enforced at the HTTP edge: the caller learns immediately
// that the message was dropped rather than silently vanishing.
func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form payload", http.StatusBadRequest)
		return
	}
	if r.PostFormValue("token") != c.cfg.Token {
		http.Error(w, "token mismatch", http.StatusUnauthorized)
		return
	}

	userID := r.PostFormValue("user_id")
	username := r.PostFormValue("username")
	text := r.PostFormValue("text")
	if userID == "" || text == "" {
		http.Error(w, "missing user_id or text", http.StatusBadRequest)
		return
	}

	if status, msg := c.checkPolicy(userID, username); status != 0 {
		http.Error(w, msg, status)
		return
	}

	w.WriteHeader(http.StatusOK)

	c.Publish(bus.InboundMessage{
		SenderID:   userID,
		SenderName: username,
		SenderIDs:  senderCandidates(userID, username),
		ChatID:     userID,
		MessageID:  r.PostFormValue("post_id"),
		Content:    channels.SanitizeInbound(text),
		PeerKind:   "direct",
		Timestamp:  time.Now().UnixMilli(),
	})
}

// checkPolicy returns a non-zero HTTP status when the sender is rejected.
func (c *Channel) checkPolicy(userID, username string) (int, string) {
	switch channels.DMPolicy(c.cfg.DMPolicy) {
	case channels.DMPolicyOpen:
		return 0, ""
	case channels.DMPolicyDisabled:
		return http.StatusForbidden, "DMs are disabled"
	default: // allowlist
		if len(c.cfg.AllowFrom) == 0 {
			return http.StatusForbidden, "Allowlist is empty"
		}
		if !channels.MatchesAllowlist(c.cfg.AllowFrom, senderCandidates(userID, username)) {
			return http.StatusForbidden, "sender not allowed"
		}
		return 0, ""
	}
}

func senderCandidates(userID, username string) []string {
	out := []string{userID}
	if username != "" {
		out = append(out, username, userID+"|"+username)
	}
	return out
}

// Send posts a reply through the Synology incoming-webhook URL. The
// payload form field carries JSON with the text and target user.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error) {
	if c.cfg.IncomingURL == "" {
		return bus.SendReceipt{}, fmt.Errorf("synology incoming_url not configured")
	}
	if msg.Content == "" {
		return bus.SendReceipt{ChatID: msg.ChatID}, nil
	}

	payload := map[string]interface{}{"text": msg.Content}
	if msg.ChatID != "" {
		payload["user_ids"] = []json.Number{json.Number(msg.ChatID)}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return bus.SendReceipt{}, err
	}

	form := url.Values{"payload": {string(raw)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.IncomingURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return bus.SendReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return bus.SendReceipt{}, fmt.Errorf("synology send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return bus.SendReceipt{}, fmt.Errorf("synology send: status %d: %s", resp.StatusCode, string(body))
	}
	return bus.SendReceipt{ChatID: msg.ChatID}, nil
}

var _ channels.Channel = (*Channel)(nil)
