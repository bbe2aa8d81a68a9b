package agent

import (
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secrets"
	"github.com/Will-Luck/Fleet-Sentinel/internal/terminal"
)

const (
	skewTolerance = 30 * time.Second
	nonceLimit    = 4096
)

// Verifier checks inbound server envelopes against the shared secret:
// machine binding, timestamp window, nonce uniqueness, and HMAC. It is
// the agent-side mirror of the server's secure message layer and runs
// the checks in the same order, signature last.
type Verifier struct {
	key       []byte
	machineID string
	nonces    *terminal.NonceStore
	clk       clock.Clock
}

func NewVerifier(secret, machineID string, clk clock.Clock) *Verifier {
	return &Verifier{
		key:       []byte(secrets.Normalize(secret)),
		machineID: machineID,
		nonces:    terminal.NewNonceStore(nonceLimit, skewTolerance*2, clk),
		clk:       clk,
	}
}

// Verify validates one envelope. Failures carry the protocol kind so
// the caller can log the exact category.
func (v *Verifier) Verify(e *fleet.Envelope) error {
	if e.Type == "" {
		return fleet.E(fleet.KindMessageMissingType, "envelope missing type")
	}
	if e.MachineID != v.machineID {
		return fleet.E(fleet.KindMessageMalformed, "envelope for machine %s", e.MachineID)
	}
	now := v.clk.Now()
	ts := time.UnixMilli(e.Timestamp)
	if d := now.Sub(ts); d > skewTolerance || d < -skewTolerance {
		return fleet.E(fleet.KindReplayTimestampSkew, "envelope timestamp off by %s", d)
	}
	if v.nonces.Seen(e.MachineID, e.SessionID, e.Nonce) {
		return fleet.E(fleet.KindReplayNonceSeen, "nonce already used")
	}
	if !terminal.VerifyHMAC(e, v.key) {
		return fleet.E(fleet.KindHMACFailed, "bad envelope signature")
	}
	v.nonces.Record(e.MachineID, e.SessionID, e.Nonce)
	return nil
}
