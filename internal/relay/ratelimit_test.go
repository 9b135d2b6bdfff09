package relay

import (
	"testing"
	"time"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Hour)
	t.Cleanup(rl.Stop)

	for i := 0; i < 3; i++ {
		if !rl.Allow("user-a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("user-a") {
		t.Fatal("fourth request should be denied")
	}
	if !rl.Allow("user-b") {
		t.Fatal("other users must have their own budget")
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Hour)
	t.Cleanup(rl.Stop)

	rl.Allow("user-a")
	rl.Allow("user-b")
	if rl.size() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", rl.size())
	}

	rl.evict(time.Now().Add(2 * time.Hour))
	if rl.size() != 0 {
		t.Fatalf("expected idle keys to be evicted, got %d", rl.size())
	}
	if !rl.Allow("user-a") {
		t.Fatal("evicted key should start with a full bucket")
	}
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Minute)
	rl.Stop()
	rl.Stop()
}
