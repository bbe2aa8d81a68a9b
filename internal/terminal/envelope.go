// Package terminal implements the secure message layer between server
// and agents: HMAC-signed envelopes with replay protection, capability
// session tokens, and per-session rate limiting.
package terminal

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// canonicalBytes renders an envelope exactly as signer and verifier
// must both see it. String fields use JSON string encoding, the
// payload is included verbatim, the timestamp in base-10. Receivers
// never parse and re-serialize the payload, so byte-identical input
// yields byte-identical canonical form.
func canonicalBytes(e *fleet.Envelope) []byte {
	var b bytes.Buffer
	b.WriteString(`{"type":`)
	b.Write(jsonString(e.Type))
	b.WriteString(`,"sessionId":`)
	b.Write(jsonString(e.SessionID))
	b.WriteString(`,"machineId":`)
	b.Write(jsonString(e.MachineID))
	b.WriteString(`,"payload":`)
	if len(e.Payload) == 0 {
		b.WriteString("null")
	} else {
		b.Write(e.Payload)
	}
	b.WriteString(`,"nonce":`)
	b.Write(jsonString(e.Nonce))
	b.WriteString(`,"timestamp":`)
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteByte('}')
	return b.Bytes()
}

func jsonString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

// Sign computes the envelope HMAC-SHA-256 and attaches it hex-encoded.
// The key is the ASCII bytes of the machine secret in 64-hex form.
func Sign(e *fleet.Envelope, key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalBytes(e))
	e.HMAC = hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC recomputes the signature and compares in constant time.
func VerifyHMAC(e *fleet.Envelope, key []byte) bool {
	sig, err := hex.DecodeString(e.HMAC)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalBytes(e))
	return hmac.Equal(sig, mac.Sum(nil))
}

// NewNonce returns 16 random bytes, hex-encoded.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Seal marshals payload and builds a complete signed envelope for an
// outbound privileged message.
func Seal(frameType, sessionID, machineID string, payload any, key []byte, now time.Time) (*fleet.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	env := &fleet.Envelope{
		Type:      frameType,
		SessionID: sessionID,
		MachineID: machineID,
		Payload:   raw,
		Nonce:     nonce,
		Timestamp: now.UnixMilli(),
	}
	Sign(env, key)
	return env, nil
}
