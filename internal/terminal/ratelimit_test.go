package terminal

import (
	"testing"
	"time"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	clk := newFakeClock()
	r := NewRateLimiter(1, 3, clk)

	for i := range 3 {
		if !r.Allow("s1") {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	if r.Allow("s1") {
		t.Fatal("request beyond burst allowed")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	clk := newFakeClock()
	r := NewRateLimiter(1, 2, clk)

	r.Allow("s1")
	r.Allow("s1")
	if r.Allow("s1") {
		t.Fatal("bucket not empty after burst")
	}

	clk.Advance(time.Second)
	if !r.Allow("s1") {
		t.Fatal("no token after refill interval")
	}
}

func TestRateLimiterIsolatesSessions(t *testing.T) {
	clk := newFakeClock()
	r := NewRateLimiter(1, 1, clk)

	if !r.Allow("s1") {
		t.Fatal("first request for s1 denied")
	}
	if !r.Allow("s2") {
		t.Fatal("first request for s2 denied, buckets not isolated")
	}
	if r.Allow("s1") {
		t.Fatal("s1 second request allowed beyond burst")
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	clk := newFakeClock()
	r := NewRateLimiter(1, 1, clk)

	r.Allow("old")
	clk.Advance(limiterIdleAfter + time.Minute)
	r.Allow("fresh") // creation path runs the idle sweep

	r.mu.Lock()
	_, stillThere := r.sessions["old"]
	r.mu.Unlock()
	if stillThere {
		t.Error("idle bucket survived eviction sweep")
	}
}

func TestRateLimiterDrop(t *testing.T) {
	clk := newFakeClock()
	r := NewRateLimiter(1, 1, clk)

	r.Allow("s1")
	if r.Allow("s1") {
		t.Fatal("second request allowed beyond burst")
	}
	r.Drop("s1")
	if !r.Allow("s1") {
		t.Fatal("dropped session did not get a fresh bucket")
	}
}
