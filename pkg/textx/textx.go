// Package textx shapes provider result text for chat delivery.
package textx

import (
	"strings"
	"unicode/utf8"
)

// Sanitize strips control characters except tab, newline and carriage
// return, then trims surrounding whitespace. Provider result text passes
// through here before it reaches a chat message.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Split chunks long text so every piece fits in limit runes, preferring
// a newline break in the back half of each window. Chunks come back
// trimmed; empty chunks are dropped. limit <= 0 disables splitting.
func Split(s string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	runes := []rune(s)
	var chunks []string
	for start := 0; start < len(runes); {
		end := min(start+limit, len(runes))
		cut := end
		if end < len(runes) {
			for i := end; i > start+limit/2; i-- {
				if runes[i-1] == '\n' {
					cut = i
					break
				}
			}
		}
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = cut
	}
	return chunks
}
