package dispatch

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
)

func TestChunkMessageShortTextUntouched(t *testing.T) {
	got := ChunkMessage("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("got %v", got)
	}
}

func TestChunkMessageDisabled(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := ChunkMessage(long, 0)
	if len(got) != 1 || got[0] != long {
		t.Error("limit 0 must disable chunking")
	}
}

func TestChunkMessageRespectsLimit(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "a line of message text")
	}
	text := strings.Join(lines, "\n")

	chunks := ChunkMessage(text, 120)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if runewidth.StringWidth(c) > 120 {
			t.Errorf("chunk %d exceeds limit: %d", i, runewidth.StringWidth(c))
		}
	}
}

func TestChunkMessageRoundTrip(t *testing.T) {
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "content line")
	}
	text := strings.Join(lines, "\n")

	chunks := ChunkMessage(text, 100)
	if got := strings.Join(chunks, "\n"); got != text {
		t.Error("plain text chunks must reassemble to the original")
	}
}

func TestChunkMessageClosesAndReopensFences(t *testing.T) {
	var body []string
	for i := 0; i < 20; i++ {
		body = append(body, "    fmt.Println(\"a fairly long line of code\")")
	}
	text := "```go\n" + strings.Join(body, "\n") + "\n```"

	chunks := ChunkMessage(text, 200)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if strings.Count(c, "```")%2 != 0 {
			t.Errorf("chunk %d has an unbalanced fence:\n%s", i, c)
		}
		if i > 0 && !strings.HasPrefix(c, "```go\n") {
			t.Errorf("chunk %d must reopen the fence with its info string", i)
		}
	}
}

func TestChunkMessageHardWrapsOverlongLine(t *testing.T) {
	text := strings.Repeat("宽", 300) // width 2 each

	chunks := ChunkMessage(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	var rebuilt strings.Builder
	for i, c := range chunks {
		if runewidth.StringWidth(c) > 100 {
			t.Errorf("chunk %d too wide: %d", i, runewidth.StringWidth(c))
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != text {
		t.Error("hard-wrapped runes must reassemble to the original")
	}
}
