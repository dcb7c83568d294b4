package logutil

import "strings"

// MaxLoggedLength bounds client-supplied strings (exec commands, usernames)
// before they reach the log.
const MaxLoggedLength = 256

// SanitizeForLog replaces newlines and tabs with spaces and drops other
// control characters, so a client cannot forge log lines.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			// ESC and friends would let a client recolor or clear the operator's terminal.
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate shortens s to at most max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// Client sanitizes and truncates a client-supplied value in one step.
func Client(s string) string {
	return Truncate(SanitizeForLog(s), MaxLoggedLength)
}
