package channels

import (
	"regexp"
	"strings"
)

const (
	// inboundMaxChars bounds inbound text before it reaches a session.
	inboundMaxChars = 4000

	filteredMarker  = "[FILTERED]"
	truncatedMarker = "[truncated]"
)

// injectionPatterns match text spans that try to smuggle instructions into
// the agent context: fake system/role framing, instruction-override phrases,
// and pseudo tool-call markup.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[\s*system\s*(?:message|prompt)?\s*\]`),
	regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`),
	regexp.MustCompile(`(?i)\bignore\s+(?:all\s+|any\s+)?previous\s+instructions\b`),
	regexp.MustCompile(`(?i)\bdisregard\s+(?:all\s+|any\s+)?(?:prior|previous)\s+(?:instructions|rules)\b`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\s+in\s+developer\s+mode\b`),
	regexp.MustCompile(`(?i)<\s*/?\s*(?:function_calls?|invoke|tool_call|tool_use|antml:[a-z]+)[^>]*>`),
	regexp.MustCompile(`(?i)\[\s*assistant\s*\]\s*:`),
}

// SanitizeInbound filters prompt-injection spans and truncates overly long
// input. Filtering replaces only the matched span, keeping the rest of the
// message intact.
func SanitizeInbound(text string) string {
	if text == "" {
		return text
	}

	for _, pat := range injectionPatterns {
		text = pat.ReplaceAllString(text, filteredMarker)
	}

	if len(text) > inboundMaxChars {
		// Reserve room for the marker so the result never exceeds the cap.
		cut := inboundMaxChars - len(truncatedMarker) - 1
		// Back off to a rune boundary so we never split a UTF-8 sequence.
		for cut > 0 && (text[cut]&0xC0) == 0x80 {
			cut--
		}
		text = strings.TrimRight(text[:cut], " \t\n") + "\n" + truncatedMarker
	}
	return text
}
