package feishu

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageEvent is the im.message.receive_v1 event envelope.
type MessageEvent struct {
	Schema string `json:"schema"`
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID  string `json:"open_id"`
				UnionID string `json:"union_id"`
				UserID  string `json:"user_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string    `json:"message_id"`
			RootID      string    `json:"root_id"`
			ParentID    string    `json:"parent_id"`
			ChatID      string    `json:"chat_id"`
			ChatType    string    `json:"chat_type"` // "p2p" or "group"
			MessageType string    `json:"message_type"`
			Content     string    `json:"content"`
			Mentions    []Mention `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

// Mention is one @-mention inside a message.
type Mention struct {
	Key string `json:"key"` // "@_user_N" placeholder in the text
	ID  struct {
		OpenID string `json:"open_id"`
	} `json:"id"`
	Name string `json:"name"`
}

// ParseContent extracts plain text from a message content payload. Post
// payloads are flattened line by line; unknown types become a marker.
// mentionedBot reports a bot mention found inside the payload itself:
// post messages carry mentions as structural "at" elements rather than
// through the event's mentions array.
func ParseContent(raw, messageType, botOpenID string) (text string, mentionedBot bool) {
	if raw == "" {
		return "", false
	}
	switch messageType {
	case "text":
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &msg); err == nil {
			return msg.Text, false
		}
		return raw, false
	case "post":
		return parsePost(raw, botOpenID)
	case "image":
		return "[image]", false
	case "file":
		var msg struct {
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(raw), &msg); err == nil && msg.FileName != "" {
			return fmt.Sprintf("[file: %s]", msg.FileName), false
		}
		return "[file]", false
	default:
		return fmt.Sprintf("[%s message]", messageType), false
	}
}

// parsePost flattens a rich-text post: each paragraph's text and at
// elements concatenate into one line. An at element naming the bot marks
// the message as a mention and is stripped; other at placeholders stay in
// the text so mention stripping can find them.
func parsePost(raw, botOpenID string) (string, bool) {
	var post map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		return raw, false
	}

	var lang json.RawMessage
	for _, key := range []string{"zh_cn", "en_us"} {
		if v, ok := post[key]; ok {
			lang = v
			break
		}
	}
	if lang == nil {
		for _, v := range post {
			lang = v
			break
		}
	}

	var body struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag      string `json:"tag"`
			Text     string `json:"text"`
			UserID   string `json:"user_id"`
			UserName string `json:"user_name"`
		} `json:"content"`
	}
	if err := json.Unmarshal(lang, &body); err != nil {
		return raw, false
	}

	mentionedBot := false
	var lines []string
	if body.Title != "" {
		lines = append(lines, body.Title)
	}
	for _, para := range body.Content {
		var parts []string
		for _, el := range para {
			switch el.Tag {
			case "text":
				parts = append(parts, el.Text)
			case "at":
				// Structural at elements carry the target in user_id and
				// the display name separately. The bot's own mention is
				// recorded and stripped from the text.
				if botOpenID != "" && el.UserID == botOpenID {
					mentionedBot = true
					continue
				}
				if el.UserID != "" {
					parts = append(parts, el.UserID)
				} else if el.UserName != "" {
					parts = append(parts, "@"+el.UserName)
				}
			case "a":
				parts = append(parts, el.Text)
			}
		}
		if line := strings.TrimSpace(strings.Join(parts, " ")); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), mentionedBot
}

// ParseMentionedBot reports whether the bot is among the mentions.
func ParseMentionedBot(mentions []Mention, botOpenID string) bool {
	if botOpenID == "" {
		return false
	}
	for _, m := range mentions {
		if m.ID.OpenID == botOpenID {
			return true
		}
	}
	return false
}

// StripMentions removes mention placeholders ("@_user_1") for the given
// mentions from text. Calling it twice is a no-op.
func StripMentions(text string, mentions []Mention, botOpenID string) string {
	for _, m := range mentions {
		if botOpenID != "" && m.ID.OpenID != botOpenID {
			continue
		}
		if m.Key != "" {
			text = strings.ReplaceAll(text, m.Key, "")
		}
		if m.Name != "" {
			text = strings.ReplaceAll(text, "@"+m.Name, "")
		}
	}
	for strings.Contains(text, "  ") {
		text = strings.ReplaceAll(text, "  ", " ")
	}
	return strings.TrimSpace(text)
}

// SenderCandidates lists the sender id forms usable for allowlist checks.
func SenderCandidates(e *MessageEvent) []string {
	ids := e.Event.Sender.SenderID
	var out []string
	for _, id := range []string{ids.OpenID, ids.UnionID, ids.UserID} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
