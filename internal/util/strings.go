// Package util holds small text helpers shared by the council, the job
// tools and the CLI.
package util

import "strings"

// TruncateString cuts s to maxLen runes, ending in "..." when cut. A
// maxLen of 3 or less always yields "...".
func TruncateString(s string, maxLen int) string {
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

// FirstLine returns the first non-blank line of s, trimmed. more reports
// whether anything followed it.
func FirstLine(s string) (line string, more bool) {
	s = strings.TrimSpace(s)
	first, rest, found := strings.Cut(s, "\n")
	first = strings.TrimSpace(first)
	return first, found && strings.TrimSpace(rest) != ""
}
