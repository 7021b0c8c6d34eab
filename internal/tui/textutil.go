package tui

import (
	"fmt"
	"time"
)

// truncateEnd shortens s to at most limit runes, ending in an ellipsis
// when cut.
func truncateEnd(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	return string(r[:limit-1]) + "…"
}

// truncateMiddle keeps both ends of s, which suits job ids and URLs.
func truncateMiddle(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	n := len(r)
	if n <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	keep := limit - 1
	left := keep / 2
	right := keep - left
	return string(r[:left]) + "…" + string(r[n-right:])
}

// relativeTime renders t relative to now, e.g. "3m ago" or "in 45s".
func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < 0 && -d >= time.Second:
		return "in " + shortDuration(-d)
	case d < time.Second:
		return "now"
	}
	return shortDuration(d) + " ago"
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
