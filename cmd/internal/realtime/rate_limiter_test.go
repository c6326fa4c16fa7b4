package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(5 * time.Second)) {
		t.Fatalf("4th event inside the window must be rejected")
	}

	// The first event (t=0) leaves the window at t=10.
	if !rl.Allow(base.Add(10 * time.Second)) {
		t.Fatalf("event after the oldest expired should be allowed")
	}
	if rl.Allow(base.Add(10500 * time.Millisecond)) {
		t.Fatalf("window is full again")
	}
	if !rl.Allow(base.Add(11 * time.Second)) {
		t.Fatalf("t=1 expired at t=11")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("unexpected defaults: limit=%d window=%s", len(rl.ring), rl.window)
	}
}
