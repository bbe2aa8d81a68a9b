package agent

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secrets"
	"github.com/Will-Luck/Fleet-Sentinel/internal/terminal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Since(t time.Time) time.Duration { return f.Now().Sub(t) }

func (f *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

const testSecret = "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"

func sealTestEnvelope(t *testing.T, clk *fakeClock, machineID string, payload any) *fleet.Envelope {
	t.Helper()
	key := []byte(secrets.Normalize(testSecret))
	env, err := terminal.Seal(fleet.FrameExecuteCommand, "sess-1", machineID, payload, key, clk.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return env
}

func TestVerifierAcceptsValidEnvelope(t *testing.T) {
	clk := newFakeClock()
	v := NewVerifier(testSecret, "m1", clk)

	env := sealTestEnvelope(t, clk, "m1", fleet.ExecuteCommandPayload{CommandID: "c1", Command: "uptime"})
	if err := v.Verify(env); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}

func TestVerifierRejectsTampering(t *testing.T) {
	clk := newFakeClock()

	cases := []struct {
		name   string
		mutate func(*fleet.Envelope)
		kind   fleet.Kind
	}{
		{
			"payload bit flip",
			func(e *fleet.Envelope) { e.Payload[0] ^= 0x01 },
			fleet.KindHMACFailed,
		},
		{
			"type swap",
			func(e *fleet.Envelope) { e.Type = fleet.FrameCancelCommand },
			fleet.KindHMACFailed,
		},
		{
			"nonce swap",
			func(e *fleet.Envelope) { e.Nonce = "deadbeefdeadbeefdeadbeefdeadbeef" },
			fleet.KindHMACFailed,
		},
		{
			"timestamp shift",
			func(e *fleet.Envelope) { e.Timestamp += 1000 },
			fleet.KindHMACFailed,
		},
		{
			"hmac garbage",
			func(e *fleet.Envelope) { e.HMAC = "zz" + e.HMAC[2:] },
			fleet.KindHMACFailed,
		},
		{
			// The timestamp window is checked before the signature,
			// so a stale envelope reports skew even when the HMAC is
			// also wrong.
			"stale timestamp with garbage hmac",
			func(e *fleet.Envelope) {
				e.Timestamp = clk.Now().Add(-10 * time.Minute).UnixMilli()
				e.HMAC = "deadbeef"
			},
			fleet.KindReplayTimestampSkew,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewVerifier(testSecret, "m1", clk)
			env := sealTestEnvelope(t, clk, "m1", fleet.ExecuteCommandPayload{CommandID: "c1", Command: "uptime"})
			tc.mutate(env)
			err := v.Verify(env)
			if !errors.Is(err, fleet.E(tc.kind, "")) {
				t.Fatalf("err = %v, want kind %s", err, tc.kind)
			}
		})
	}
}

func TestVerifierRejectsWrongMachine(t *testing.T) {
	clk := newFakeClock()
	v := NewVerifier(testSecret, "m1", clk)

	env := sealTestEnvelope(t, clk, "m2", fleet.ExecuteCommandPayload{CommandID: "c1"})
	if err := v.Verify(env); !errors.Is(err, fleet.E(fleet.KindMessageMalformed, "")) {
		t.Fatalf("err = %v, want message_malformed", err)
	}
}

func TestVerifierRejectsSkew(t *testing.T) {
	clk := newFakeClock()
	v := NewVerifier(testSecret, "m1", clk)

	env := sealTestEnvelope(t, clk, "m1", fleet.ExecuteCommandPayload{CommandID: "c1"})
	clk.Advance(skewTolerance + time.Second)
	if err := v.Verify(env); !errors.Is(err, fleet.E(fleet.KindReplayTimestampSkew, "")) {
		t.Fatalf("stale err = %v, want replay_timestamp_skew", err)
	}

	// Future-dated envelopes fail the same way.
	future := sealTestEnvelope(t, clk, "m1", fleet.ExecuteCommandPayload{CommandID: "c2"})
	future.Timestamp = clk.Now().Add(skewTolerance + time.Second).UnixMilli()
	key := []byte(secrets.Normalize(testSecret))
	terminal.Sign(future, key)
	if err := v.Verify(future); !errors.Is(err, fleet.E(fleet.KindReplayTimestampSkew, "")) {
		t.Fatalf("future err = %v, want replay_timestamp_skew", err)
	}
}

func TestVerifierRejectsReplay(t *testing.T) {
	clk := newFakeClock()
	v := NewVerifier(testSecret, "m1", clk)

	env := sealTestEnvelope(t, clk, "m1", fleet.ExecuteCommandPayload{CommandID: "c1"})
	if err := v.Verify(env); err != nil {
		t.Fatalf("first delivery rejected: %v", err)
	}
	if err := v.Verify(env); !errors.Is(err, fleet.E(fleet.KindReplayNonceSeen, "")) {
		t.Fatalf("replay err = %v, want replay_nonce_seen", err)
	}
}
