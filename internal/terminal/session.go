package terminal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// sessionSigningPayload is the byte string a session token signature
// covers: id, user, machine, sorted capabilities, and both timestamps
// in unix milliseconds, pipe-joined.
func sessionSigningPayload(s *fleet.TerminalSession) []byte {
	caps := make([]string, len(s.Capabilities))
	for i, c := range s.Capabilities {
		caps[i] = string(c)
	}
	sort.Strings(caps)
	return []byte(strings.Join([]string{
		s.ID,
		s.UserID,
		s.MachineID,
		strings.Join(caps, ","),
		strconv.FormatInt(s.IssuedAt.UnixMilli(), 10),
		strconv.FormatInt(s.ExpiresAt.UnixMilli(), 10),
	}, "|"))
}

// SignSession attaches the server-secret signature to a token.
func SignSession(s *fleet.TerminalSession, serverKey []byte) {
	mac := hmac.New(sha256.New, serverKey)
	mac.Write(sessionSigningPayload(s))
	s.Signature = hex.EncodeToString(mac.Sum(nil))
}

// VerifySessionSignature checks a token signature in constant time.
func VerifySessionSignature(s *fleet.TerminalSession, serverKey []byte) bool {
	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, serverKey)
	mac.Write(sessionSigningPayload(s))
	return hmac.Equal(sig, mac.Sum(nil))
}
