package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SilentToken suppresses delivery when a run decides no reply is warranted.
const SilentToken = "NO_REPLY"

// SanitizeAssistantContent cleans assistant text before it reaches a user:
// garbled tool-call XML, downgraded tool-call transcripts, thinking tags,
// echoed system blocks, duplicate paragraphs, and stray media markers.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = stripGarbledToolXML(content)
	if content == "" {
		return ""
	}
	content = stripToolCallTranscript(content)
	content = stripThinkingTags(content)
	content = finalTagPattern.ReplaceAllString(content, "")
	content = stripEchoedSystemBlocks(content)
	content = collapseDuplicateBlocks(content)
	content = stripMediaMarkers(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content",
			"original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Some models emit tool invocations as literal XML in the text channel
// instead of structured tool calls. A response showing these markers is
// not user-renderable at all, so it is dropped wholesale.
var garbledToolXMLIndicators = []string{
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<parameter name=",
	"</parameter",
	"functioninvoke",
	"invfunction_calls",
}

var garbledToolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|functioninvoke|invoke|invfunction_calls|tool_call|tool_use|parameter)[^>]*>`,
)

func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, ind := range garbledToolXMLIndicators {
		if strings.Contains(lower, ind) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	cleaned := strings.TrimSpace(garbledToolXMLPattern.ReplaceAllString(content, ""))
	slog.Warn("dropping response with garbled tool call XML",
		"original_len", len(content), "remaining_len", len(cleaned))
	return ""
}

// stripToolCallTranscript removes [Tool Call: ...] / [Tool Result ...]
// blocks some models replay as text. Line-based because the block body
// (Arguments JSON, indented output) has no closing marker.
func stripToolCallTranscript(content string) string {
	if !strings.Contains(content, "[Tool Call:") && !strings.Contains(content, "[Tool Result") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[Tool Call:") || strings.HasPrefix(trimmed, "[Tool Result") {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			skipping = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// <final> wrappers are removed but their content is kept.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

// stripEchoedSystemBlocks drops "[System Message] ..." blocks the model
// echoed back from its prompt. A blank line ends the block.
func stripEchoedSystemBlocks(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			skipping = true
			continue
		}
		if skipping {
			if strings.TrimSpace(line) == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned != strings.TrimSpace(content) {
		slog.Warn("stripped echoed system block from response",
			"original_len", len(content), "cleaned_len", len(cleaned))
	}
	return cleaned
}

// collapseDuplicateBlocks removes consecutive identical paragraphs, a
// failure mode of retried streaming responses.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}

// stripMediaMarkers removes MEDIA: path lines and voice directives; media
// travels on the payload, not in the text body.
func stripMediaMarkers(content string) string {
	if !strings.Contains(content, "MEDIA:") && !strings.Contains(content, "[[audio_as_voice]]") {
		return content
	}
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "MEDIA:") || strings.HasPrefix(trimmed, "[[audio_as_voice]]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// IsSilentReply reports whether the text is the NO_REPLY token, alone or
// attached to leading/trailing non-word padding.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == SilentToken {
		return true
	}
	if strings.HasPrefix(trimmed, SilentToken) {
		rest := trimmed[len(SilentToken):]
		if !isWordByte(rest[0]) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, SilentToken) {
		before := trimmed[:len(trimmed)-len(SilentToken)]
		if !isWordByte(before[len(before)-1]) {
			return true
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
