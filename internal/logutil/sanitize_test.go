package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ls -la", "ls -la"},
		{"echo hi\nFAKE log line", "echo hi FAKE log line"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07esc\x1b[0m", "bellesc[0m"},
		{"del\x7f", "del"},
		{"ünïcode", "ünïcode"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCommand_Truncates(t *testing.T) {
	short := "pwd"
	if got := Command(short); got != short {
		t.Errorf("Command(%q) = %q", short, got)
	}

	long := strings.Repeat("é", MaxCommandLog)
	got := Command(long)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis, got %q", got)
	}
	body := strings.TrimSuffix(got, "...")
	if len(body) > MaxCommandLog {
		t.Errorf("truncated body is %d bytes, want <= %d", len(body), MaxCommandLog)
	}
	if strings.ContainsRune(body, '\uFFFD') {
		t.Errorf("truncation split a rune: %q", body)
	}
}
