package policy

import (
	"regexp"
	"strings"
	"sync"
)

var mentionCache sync.Map // name string → *regexp.Regexp

// mentionPattern builds a case-insensitive regex matching "@name" or a
// standalone "name". Regex metacharacters in the name are escaped so a
// display name like "bot (dev)" matches literally.
func mentionPattern(name string) *regexp.Regexp {
	if cached, ok := mentionCache.Load(name); ok {
		return cached.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)(?:^|\s|@)` + regexp.QuoteMeta(name) + trailingBoundary(name))
	mentionCache.Store(name, re)
	return re
}

// trailingBoundary returns a \b only when the name ends in a word
// character; \b after punctuation can never match.
func trailingBoundary(name string) string {
	if name == "" {
		return ""
	}
	last := name[len(name)-1]
	if last == '_' || (last >= '0' && last <= '9') ||
		(last >= 'a' && last <= 'z') || (last >= 'A' && last <= 'Z') {
		return `\b`
	}
	return ""
}

// MentionedInText reports whether any configured mention name appears in
// the text. Empty names are skipped.
func MentionedInText(names []string, text string) bool {
	if text == "" {
		return false
	}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if mentionPattern(name).MatchString(text) {
			return true
		}
	}
	return false
}

// StripMentions removes "@name" references for the given names from the
// text. Idempotent: stripping an already-stripped body is a no-op.
func StripMentions(names []string, text string) string {
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name) + trailingBoundary(name) + `[ \t]?`)
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
