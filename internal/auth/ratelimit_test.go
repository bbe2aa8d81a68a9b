package auth

import (
	"testing"
	"time"
)

func TestLimiterAllowsWithinWindow(t *testing.T) {
	clk := newFakeClock()
	l := NewLoginLimiter(clk)

	for i := 0; i < maxLoginAttempts; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("attempt %d blocked", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("attempt over the limit allowed")
	}
}

func TestLimiterWindowRolls(t *testing.T) {
	clk := newFakeClock()
	l := NewLoginLimiter(clk)

	for i := 0; i < maxLoginAttempts; i++ {
		l.Allow("1.2.3.4")
	}
	clk.Advance(loginWindow + time.Second)
	if !l.Allow("1.2.3.4") {
		t.Fatal("fresh window blocked")
	}
}

func TestLimiterHardBlock(t *testing.T) {
	clk := newFakeClock()
	l := NewLoginLimiter(clk)

	for i := 0; i < lockoutAfter; i++ {
		l.RecordFailure("1.2.3.4")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("blocked ip allowed")
	}

	// Window rollover does not clear a hard block.
	clk.Advance(loginWindow + time.Second)
	if l.Allow("1.2.3.4") {
		t.Fatal("hard block lifted by window rollover")
	}

	// The lockout duration does.
	clk.Advance(lockoutDuration)
	if !l.Allow("1.2.3.4") {
		t.Fatal("block not lifted after lockout duration")
	}
}

func TestLimiterResetClearsState(t *testing.T) {
	clk := newFakeClock()
	l := NewLoginLimiter(clk)

	for i := 0; i < lockoutAfter; i++ {
		l.RecordFailure("1.2.3.4")
	}
	l.Reset("1.2.3.4")
	if !l.Allow("1.2.3.4") {
		t.Fatal("reset ip still blocked")
	}
}

func TestLimiterIsolatesIPs(t *testing.T) {
	clk := newFakeClock()
	l := NewLoginLimiter(clk)

	for i := 0; i < lockoutAfter; i++ {
		l.RecordFailure("1.2.3.4")
	}
	if !l.Allow("5.6.7.8") {
		t.Fatal("unrelated ip blocked")
	}
}

func TestLimiterSweep(t *testing.T) {
	clk := newFakeClock()
	l := NewLoginLimiter(clk)

	l.Allow("1.2.3.4")
	for i := 0; i < lockoutAfter; i++ {
		l.RecordFailure("9.9.9.9")
	}

	clk.Advance(lockoutDuration + time.Minute)
	l.Sweep()

	l.mu.Lock()
	n := len(l.attempts)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d stale entries survived the sweep", n)
	}
}
