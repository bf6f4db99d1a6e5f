package server

import (
	"testing"
	"time"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl := newRateLimiter(3, 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("event %d within the burst was rejected", i)
		}
	}
	if rl.allow() {
		t.Fatal("event beyond the burst should be rejected")
	}

	time.Sleep(40 * time.Millisecond)
	if !rl.allow() {
		t.Fatal("a token should have been refilled")
	}
}

func TestRateLimiterSanitizesInput(t *testing.T) {
	rl := newRateLimiter(0, 0)
	if !rl.allow() {
		t.Fatal("a zero config should still allow one event")
	}
}

func TestConnectionRateLimit(t *testing.T) {
	f := newFixture(t)
	c := NewConnection(f.hub, nil, "127.0.0.1:0", "")
	c.rateLimiter = newRateLimiter(2, time.Hour)

	if !c.checkRateLimit() || !c.checkRateLimit() {
		t.Fatal("burst should be allowed")
	}
	if c.checkRateLimit() {
		t.Fatal("third event should be throttled")
	}
}
