package feishu

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func postEvent(t *testing.T, h *WebhookHandler, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("POST", "/feishu/events", strings.NewReader(body))
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func eventBody(token, messageID, text string) string {
	return fmt.Sprintf(`{
		"header": {"event_id": "e1", "event_type": "im.message.receive_v1", "token": %q},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_sender"}},
			"message": {
				"message_id": %q, "chat_id": "oc_chat", "chat_type": "p2p",
				"message_type": "text", "content": "{\"text\": \"%s\"}"
			}
		}
	}`, token, messageID, text)
}

func TestWebhookMethodAndContentType(t *testing.T) {
	h := NewWebhookHandler("tok", nil)

	r := httptest.NewRequest("GET", "/feishu/events", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 405 {
		t.Errorf("GET status = %d, want 405", w.Code)
	}

	if w := postEvent(t, h, "text/plain", "{}"); w.Code != 415 {
		t.Errorf("wrong content type status = %d, want 415", w.Code)
	}
}

func TestWebhookTokenMismatch(t *testing.T) {
	h := NewWebhookHandler("tok", nil)

	if w := postEvent(t, h, "application/json", eventBody("wrong", "m1", "hi")); w.Code != 401 {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}
	body := `{"type": "url_verification", "token": "wrong", "challenge": "c"}`
	if w := postEvent(t, h, "application/json", body); w.Code != 401 {
		t.Errorf("bad verification token status = %d, want 401", w.Code)
	}
}

func TestWebhookChallengeEcho(t *testing.T) {
	h := NewWebhookHandler("tok", nil)

	body := `{"type": "url_verification", "token": "tok", "challenge": "abc123"}`
	w := postEvent(t, h, "application/json", body)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["challenge"] != "abc123" {
		t.Errorf("challenge = %q", out["challenge"])
	}
}

func TestWebhookAcksBeforeProcessing(t *testing.T) {
	var mu sync.Mutex
	var got []string
	h := NewWebhookHandler("tok", func(e *MessageEvent) {
		mu.Lock()
		got = append(got, e.Event.Message.MessageID)
		mu.Unlock()
	})

	w := postEvent(t, h, "application/json", eventBody("tok", "m1", "hello"))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "Processing..." {
		t.Errorf("ack body = %q", w.Body.String())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event was never dispatched")
}

func TestWebhookRateLimit(t *testing.T) {
	h := NewWebhookHandler("tok", nil)

	saw429 := false
	for i := 0; i < rateLimitMaxHits+10; i++ {
		w := postEvent(t, h, "application/json", eventBody("tok", fmt.Sprintf("m%d", i), "x"))
		if w.Code == 429 {
			saw429 = true
			break
		}
	}
	if !saw429 {
		t.Error("flood never hit the rate limit")
	}
}

func TestParseContent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		msgType string
		want    string
	}{
		{"text", `{"text": "hello"}`, "text", "hello"},
		{"image", `{"image_key": "k"}`, "image", "[image]"},
		{"file", `{"file_name": "report.pdf"}`, "file", "[file: report.pdf]"},
		{"unknown", `{}`, "sticker", "[sticker message]"},
		{"post", `{"zh_cn": {"title": "T", "content": [[{"tag": "text", "text": "line one"}], [{"tag": "at", "user_id": "@_user_1"}, {"tag": "text", "text": "ping"}]]}}`, "post", "T\nline one\n@_user_1 ping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := ParseContent(tt.raw, tt.msgType, ""); got != tt.want {
				t.Errorf("ParseContent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostStructuralAtMentionsBot(t *testing.T) {
	raw := `{"zh_cn": {"content": [[{"tag": "at", "user_id": "ou_bot_123"}, {"tag": "text", "text": "hello"}]]}}`

	text, mentioned := ParseContent(raw, "post", "ou_bot_123")
	if !mentioned {
		t.Error("structural at element for the bot not detected")
	}
	if text != "hello" {
		t.Errorf("bot at element not stripped: %q", text)
	}

	// Someone else's at element is neither a mention nor stripped.
	text, mentioned = ParseContent(raw, "post", "ou_other")
	if mentioned {
		t.Error("wrong bot detected in post")
	}
	if text != "ou_bot_123 hello" {
		t.Errorf("text = %q", text)
	}
}

func TestStripMentionsIdempotent(t *testing.T) {
	mentions := []Mention{{Key: "@_user_1", Name: "OpenClaw"}}
	mentions[0].ID.OpenID = "ou_bot"

	once := StripMentions("@_user_1 hello there", mentions, "ou_bot")
	if once != "hello there" {
		t.Fatalf("once = %q", once)
	}
	twice := StripMentions(once, mentions, "ou_bot")
	if twice != once {
		t.Errorf("second strip changed text: %q", twice)
	}

	// Other users' mentions stay.
	other := []Mention{{Key: "@_user_2", Name: "Alice"}}
	other[0].ID.OpenID = "ou_alice"
	if got := StripMentions("@_user_2 hi", other, "ou_bot"); got != "@_user_2 hi" {
		t.Errorf("non-bot mention stripped: %q", got)
	}
}

func TestParseMentionedBot(t *testing.T) {
	m := Mention{Key: "@_user_1"}
	m.ID.OpenID = "ou_bot"
	if !ParseMentionedBot([]Mention{m}, "ou_bot") {
		t.Error("bot mention not detected")
	}
	if ParseMentionedBot([]Mention{m}, "ou_other") {
		t.Error("wrong bot detected")
	}
	if ParseMentionedBot([]Mention{m}, "") {
		t.Error("empty bot id must not match")
	}
}
