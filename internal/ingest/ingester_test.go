package ingest

import (
	"testing"
	"time"
)

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		name     string
		prev     time.Duration
		streamed time.Duration
		want     time.Duration
	}{
		{"first failure", 0, 0, backoffInitial},
		{"doubles", time.Second, 0, 2 * time.Second},
		{"caps at max", 16 * time.Second, 0, backoffMax},
		{"stays capped", backoffMax, 0, backoffMax},
		{"healthy stream resets", backoffMax, 2 * time.Minute, backoffInitial},
		{"reset threshold exact", 4 * time.Second, backoffResetAfter, backoffInitial},
		{"short-lived stream keeps climbing", 2 * time.Second, 500 * time.Millisecond, 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextBackoff(tt.prev, tt.streamed); got != tt.want {
				t.Errorf("nextBackoff(%v, %v) = %v, want %v", tt.prev, tt.streamed, got, tt.want)
			}
		})
	}
}
