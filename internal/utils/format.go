// Package utils holds small text helpers shared by notifications, jobs and
// listeners.
package utils

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration formats a duration in a human-readable format
// Examples: "45ms", "1.5s", "2m 30s", "1h 15m"
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes < 60 {
		if seconds > 0 {
			return fmt.Sprintf("%dm %ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	minutes = minutes % 60
	if minutes > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dh", hours)
}

// TruncateText shortens text to maxLen runes on a single line, adding "..."
// if truncated. Alert details often carry non-ASCII asset and user names, so
// the cut never splits a rune.
func TruncateText(text string, maxLen int) string {
	text = strings.Join(strings.Fields(text), " ")

	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}

// EscapeForLogging renders an untrusted payload as one bounded log field
func EscapeForLogging(text string, maxLen int) string {
	if r := []rune(text); len(r) > maxLen {
		text = string(r[:maxLen]) + "..."
	}

	text = strings.ReplaceAll(text, "\n", "\\n")
	text = strings.ReplaceAll(text, "\r", "\\r")
	text = strings.ReplaceAll(text, "\t", "\\t")

	return text
}
