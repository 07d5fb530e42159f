package authn

import (
	"testing"
	"time"
)

func TestNextCheckDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		expires  time.Time
		expected time.Duration
	}{
		{"already expired", now.Add(-time.Second), 15 * time.Second},
		{"expires in 30s", now.Add(30 * time.Second), 60 * time.Second},
		{"expires in 80s", now.Add(80 * time.Second), 60 * time.Second},
		{"expires in 1000s", now.Add(1000 * time.Second), time.Duration(750) * time.Second},
		{"expires in 57600s", now.Add(57600 * time.Second), time.Duration(43200) * time.Second},
		{"expires in 100000s", now.Add(100000 * time.Second), 43200 * time.Second},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := nextCheckDelay(now, c.expires)
			if got != c.expected {
				t.Errorf("nextCheckDelay() = %v, want %v", got, c.expected)
			}
		})
	}
}
