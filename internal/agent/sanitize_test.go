package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "hello there", "hello there"},
		{"thinking tags stripped", "<thinking>let me see</thinking>The answer is 4.", "The answer is 4."},
		{"think tag stripped", "before <think>x\ny</think> after", "before  after"},
		{"final tags unwrapped", "<final>done</final>", "done"},
		{"garbled tool xml drops response", `<tool_call>{"name":"exec"}</tool_call>`, ""},
		{"parameter markup drops response", `ok <parameter name="cmd">ls</parameter>`, ""},
		{
			"tool transcript removed",
			"Here you go\n[Tool Call: exec]\nArguments:\n{\n}\nAll done",
			"Here you go\nAll done",
		},
		{
			"echoed system block removed",
			"[System Message] from gateway\nStats: 12\n\nreal reply",
			"real reply",
		},
		{
			"duplicate paragraphs collapsed",
			"same text\n\nsame text\n\nother",
			"same text\n\nother",
		},
		{
			"media marker lines removed",
			"look at this\nMEDIA:/tmp/out.png\n[[audio_as_voice]]",
			"look at this",
		},
		{"whitespace trimmed", "\n\n  result  \n", "result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{"NO_REPLY.", true},
		{"NO_REPLY with trailing note", true},
		{"ok then, NO_REPLY", true},
		{"NO_REPLYX", false},
		{"XNO_REPLY", false},
		{"no_reply", false},
		{"", false},
		{"an actual answer", false},
	}
	for _, tt := range tests {
		if got := IsSilentReply(tt.in); got != tt.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
