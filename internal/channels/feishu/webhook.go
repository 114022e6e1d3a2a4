package feishu

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zwright8/openclaw-sub006/internal/channels"
)

const (
	maxWebhookBody   = 1 << 20
	rateLimitWindow  = time.Minute
	rateLimitMaxHits = 120
)

// WebhookHandler terminates the Feishu event callback. Contract:
// non-POST → 405, wrong content type → 415, verification token mismatch
// → 401, over rate limit → 429. url_verification echoes the challenge;
// events are acked with "Processing..." immediately and dispatched async.
type WebhookHandler struct {
	verificationToken string
	limiter           *channels.WebhookRateLimiter
	onEvent           func(*MessageEvent)
}

func NewWebhookHandler(verificationToken string, onEvent func(*MessageEvent)) *WebhookHandler {
	return &WebhookHandler{
		verificationToken: verificationToken,
		limiter:           channels.NewWebhookRateLimiter(rateLimitWindow, rateLimitMaxHits),
		onEvent:           onEvent,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}
	if !h.limiter.Allow(clientKey(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var envelope struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Token     string `json:"token"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	// url_verification carries the token at the top level; events carry
	// it in the header.
	if envelope.Type == "url_verification" {
		if !h.tokenOK(envelope.Token) {
			http.Error(w, "verification token mismatch", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": envelope.Challenge})
		return
	}

	var event MessageEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if !h.tokenOK(event.Header.Token) {
		http.Error(w, "verification token mismatch", http.StatusUnauthorized)
		return
	}

	// Ack before processing: Feishu retries on slow responses.
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "Processing...")

	if event.Header.EventType == "im.message.receive_v1" && h.onEvent != nil {
		go h.onEvent(&event)
	} else {
		slog.Debug("feishu event skipped", "type", event.Header.EventType)
	}
}

func (h *WebhookHandler) tokenOK(token string) bool {
	return h.verificationToken == "" || token == h.verificationToken
}

func clientKey(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx > 0 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}
