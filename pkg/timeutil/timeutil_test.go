package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRelative(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"seconds ago", now.Add(-20 * time.Second), "just now"},
		{"one minute ago", now.Add(-time.Minute), "1 minute ago"},
		{"minutes ago", now.Add(-45 * time.Minute), "45 minutes ago"},
		{"hours ago", now.Add(-3 * time.Hour), "3 hours ago"},
		{"yesterday", now.Add(-30 * time.Hour), "yesterday"},
		{"days ago", now.Add(-4 * 24 * time.Hour), "4 days ago"},
		{"weeks ago", now.Add(-15 * 24 * time.Hour), "2 weeks ago"},
		{"months ago", now.Add(-70 * 24 * time.Hour), "2 months ago"},
		{"years ago", now.Add(-800 * 24 * time.Hour), "2 years ago"},
		{"now", now.Add(10 * time.Second), "now"},
		{"in minutes", now.Add(30 * time.Minute), "in 30 minutes"},
		{"in one hour", now.Add(time.Hour), "in 1 hour"},
		{"tomorrow", now.Add(25 * time.Hour), "tomorrow"},
		{"in days", now.Add(72 * time.Hour), "in 3 days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRelative(tt.t, now))
		})
	}
}

func TestFormatUnix(t *testing.T) {
	assert.Equal(t, "never", FormatUnix(0))
	assert.Equal(t, "2026-03-10 12:00:00 UTC", FormatUnix(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC).Unix()))
}
