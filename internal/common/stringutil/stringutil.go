// Package stringutil provides string helpers for bounding agent-visible
// text, such as the per-turn caps on conversation history.
package stringutil

// TruncateString cuts s down to at most maxLen bytes. Shorter strings
// pass through unchanged.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis cuts s down to at most maxLen bytes and marks
// the cut with a "..." suffix. Shorter strings pass through unchanged.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

