package logutil

import (
	"strings"
	"unicode/utf8"
)

// MaxCommandLog is the longest command prefix written to logs and audit rows.
const MaxCommandLog = 256

// SanitizeForLog flattens newlines and tabs to spaces and drops remaining
// control characters so user input cannot forge extra log lines.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Command sanitizes a shell command and truncates it to MaxCommandLog bytes
// on a rune boundary.
func Command(s string) string {
	s = SanitizeForLog(s)
	if len(s) <= MaxCommandLog {
		return s
	}
	cut := MaxCommandLog
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
