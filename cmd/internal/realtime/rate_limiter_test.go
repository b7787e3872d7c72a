package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(300 * time.Millisecond)) {
		t.Fatalf("4th event inside the window must be rejected")
	}
	if !rl.Allow(base.Add(1050 * time.Millisecond)) {
		t.Fatalf("event after the first one expired should be allowed")
	}
}
