package dispatch

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

const fenceMarker = "```"

// ChunkMessage splits text into channel-sized pieces without breaking
// markdown code fences: a chunk boundary inside a fenced block closes the
// fence and reopens it (with its info string) at the start of the next
// chunk. Width is measured with runewidth so CJK text does not overflow
// platform limits. limit <= 0 disables chunking.
func ChunkMessage(text string, limit int) []string {
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur []string
	curWidth := 0
	openFence := "" // full opening fence line, e.g. "```go"

	flush := func() {
		if len(cur) == 0 {
			return
		}
		body := strings.Join(cur, "\n")
		if openFence != "" {
			body += "\n" + fenceMarker
		}
		chunks = append(chunks, body)
		cur = cur[:0]
		curWidth = 0
		if openFence != "" {
			cur = append(cur, openFence)
			curWidth = runewidth.StringWidth(openFence) + 1
		}
	}

	// Room reserved per chunk for a synthetic closing fence.
	budget := limit - len(fenceMarker) - 1
	if budget < 16 {
		budget = limit
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), fenceMarker) {
			if openFence == "" {
				openFence = strings.TrimSpace(line)
			} else {
				openFence = ""
			}
		}

		for _, piece := range splitLine(line, budget) {
			w := runewidth.StringWidth(piece) + 1
			if curWidth+w > budget && len(cur) > 0 {
				flush()
			}
			cur = append(cur, piece)
			curWidth += w
		}
	}
	// The final chunk keeps the text as written, even if the source left
	// a fence unterminated.
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	return chunks
}

// splitLine hard-wraps a single overlong line at rune boundaries.
func splitLine(line string, limit int) []string {
	if runewidth.StringWidth(line) <= limit {
		return []string{line}
	}
	var pieces []string
	var cur strings.Builder
	width := 0
	for _, r := range line {
		rw := runewidth.RuneWidth(r)
		if width+rw > limit && cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
			width = 0
		}
		cur.WriteRune(r)
		width += rw
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}
