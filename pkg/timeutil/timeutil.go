// Package timeutil formats times and durations for terminal output.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// Common layouts.
const (
	FormatDate     = "2006-01-02"
	FormatDateTime = "2006-01-02 15:04:05 MST"
)

// FormatRelative describes t relative to now, e.g. "3 minutes ago" or
// "in 2 hours".
func FormatRelative(t, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		return formatFutureDuration(-d)
	}
	return formatPastDuration(d)
}

func formatPastDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d >= 24*time.Hour && d < 48*time.Hour:
		return "yesterday"
	default:
		return coarse(d) + " ago"
	}
}

func formatFutureDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d >= 24*time.Hour && d < 48*time.Hour:
		return "tomorrow"
	default:
		return "in " + coarse(d)
	}
}

// coarse renders d in its largest whole unit.
func coarse(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < day:
		return plural(int(d/time.Hour), "hour")
	case d < 7*day:
		return plural(int(d/day), "day")
	case d < 30*day:
		return plural(int(d/(7*day)), "week")
	case d < 365*day:
		return plural(int(d/(30*day)), "month")
	default:
		return plural(int(d/(365*day)), "year")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// FormatUnix formats a Unix timestamp in UTC. Zero is "never".
func FormatUnix(sec int64) string {
	if sec == 0 {
		return "never"
	}
	return time.Unix(sec, 0).UTC().Format(FormatDateTime)
}
