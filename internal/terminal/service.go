package terminal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
)

// Config carries the tunables of the secure message service.
type Config struct {
	ClockSkew  time.Duration // accepted timestamp drift each way
	SessionTTL time.Duration
	NonceLimit int
	RatePerSec float64
	RateBurst  int
}

// SessionStore persists capability tokens for revocation.
type SessionStore interface {
	SaveTerminalSession(sess *fleet.TerminalSession) error
	GetTerminalSession(id string) (*fleet.TerminalSession, error)
	DeleteTerminalSession(id string) error
	DeleteExpiredTerminalSessions(now time.Time) (int, error)
}

// Auditor records protocol failures and session lifecycle events.
type Auditor interface {
	Record(e audit.Entry)
}

// Service mints capability tokens and verifies inbound envelopes.
type Service struct {
	cfg       Config
	store     SessionStore
	serverKey []byte
	nonces    *NonceStore
	limiter   *RateLimiter
	audit     Auditor
	clk       clock.Clock
	log       *logging.Logger
}

// NewService applies defaults for zero-valued config fields: 30 s
// skew, 1 h sessions, 4096 nonce history, 50 msg/s with burst 200.
func NewService(cfg Config, store SessionStore, serverKey []byte, rec Auditor, clk clock.Clock, log *logging.Logger) *Service {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 200
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		serverKey: serverKey,
		nonces:    NewNonceStore(cfg.NonceLimit, 2*cfg.ClockSkew, clk),
		limiter:   NewRateLimiter(cfg.RatePerSec, cfg.RateBurst, clk),
		audit:     rec,
		clk:       clk,
		log:       log,
	}
}

// DefaultCapabilities are granted to interactive terminal sessions.
func DefaultCapabilities() []fleet.Capability {
	return []fleet.Capability{
		fleet.CapOpenTerminal,
		fleet.CapTerminalInput,
		fleet.CapTerminalResize,
	}
}

// OpenSession mints, signs and stores a capability token for a user
// on a machine. Empty caps grant the interactive defaults.
func (s *Service) OpenSession(userID, machineID string, caps []fleet.Capability) (*fleet.TerminalSession, error) {
	if len(caps) == 0 {
		caps = DefaultCapabilities()
	}
	now := s.clk.Now().UTC()
	sess := &fleet.TerminalSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		MachineID:    machineID,
		Capabilities: caps,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
	}
	SignSession(sess, s.serverKey)
	if err := s.store.SaveTerminalSession(sess); err != nil {
		return nil, fmt.Errorf("persist terminal session: %w", err)
	}
	s.audit.Record(audit.Entry{
		Action:    audit.ActionTerminalOpened,
		UserID:    userID,
		MachineID: machineID,
		Details:   map[string]any{"sessionId": sess.ID},
	})
	return sess, nil
}

// CloseSession revokes a token and releases its replay and rate state.
func (s *Service) CloseSession(sessionID, userID, machineID string) {
	if err := s.store.DeleteTerminalSession(sessionID); err != nil {
		s.log.Warn("revoke terminal session", "sessionId", sessionID, "error", err)
	}
	s.nonces.DropSession(machineID, sessionID)
	s.limiter.Drop(sessionID)
	s.audit.Record(audit.Entry{
		Action:    audit.ActionTerminalClosed,
		UserID:    userID,
		MachineID: machineID,
		Details:   map[string]any{"sessionId": sessionID},
	})
}

// SweepExpired removes expired tokens from the store.
func (s *Service) SweepExpired() {
	n, err := s.store.DeleteExpiredTerminalSessions(s.clk.Now())
	if err != nil {
		s.log.Warn("sweep terminal sessions", "error", err)
		return
	}
	if n > 0 {
		s.log.Debug("expired terminal sessions removed", "count", n)
	}
}

// requiredCapability maps an envelope type to the capability it needs.
func requiredCapability(frameType string) (fleet.Capability, bool) {
	switch frameType {
	case fleet.FrameSpawnTerminal:
		return fleet.CapOpenTerminal, true
	case fleet.FrameTerminalInput:
		return fleet.CapTerminalInput, true
	case fleet.FrameTerminalResize:
		return fleet.CapTerminalResize, true
	case fleet.FrameExecuteCommand, fleet.FrameCancelCommand:
		return fleet.CapExecuteCommand, true
	}
	return "", false
}

// Verify runs the inbound checks in their fixed order: type, clock
// skew, nonce replay, session, capability, rate limit, HMAC. Each
// failure audits its own class; the caller closes the socket. On
// success the nonce is recorded and the matching session returned.
// machineKey is the ASCII bytes of the machine's normalized secret.
func (s *Service) Verify(env *fleet.Envelope, machineKey []byte) (*fleet.TerminalSession, error) {
	if env.Type == "" {
		return nil, s.deny(env, fleet.KindMessageMissingType, "message missing type")
	}

	now := s.clk.Now()
	drift := now.Sub(time.UnixMilli(env.Timestamp))
	if drift < 0 {
		drift = -drift
	}
	if drift > s.cfg.ClockSkew {
		return nil, s.deny(env, fleet.KindReplayTimestampSkew,
			"timestamp outside skew window: drift %s", drift)
	}

	if env.Nonce == "" || s.nonces.Seen(env.MachineID, env.SessionID, env.Nonce) {
		return nil, s.deny(env, fleet.KindReplayNonceSeen, "nonce replayed or empty")
	}

	sess, err := s.store.GetTerminalSession(env.SessionID)
	if err != nil {
		return nil, s.deny(env, fleet.KindSessionInvalid, "unknown session")
	}
	if sess.MachineID != env.MachineID {
		return nil, s.deny(env, fleet.KindSessionInvalid, "session bound to another machine")
	}
	if !VerifySessionSignature(sess, s.serverKey) {
		return nil, s.deny(env, fleet.KindSessionInvalid, "session signature mismatch")
	}
	if now.After(sess.ExpiresAt) {
		return nil, s.deny(env, fleet.KindSessionExpired, "session expired")
	}

	need, ok := requiredCapability(env.Type)
	if !ok {
		return nil, s.deny(env, fleet.KindMessageMalformed, "unsupported secure message type %q", env.Type)
	}
	if !sess.Can(need) {
		return nil, s.deny(env, fleet.KindCapabilityMissing, "session lacks capability %s", need)
	}

	if !s.limiter.Allow(env.SessionID) {
		return nil, s.deny(env, fleet.KindRateLimitExceeded, "session message budget exhausted")
	}

	if !VerifyHMAC(env, machineKey) {
		return nil, s.deny(env, fleet.KindHMACFailed, "envelope hmac mismatch")
	}

	s.nonces.Record(env.MachineID, env.SessionID, env.Nonce)
	s.audit.Record(audit.Entry{
		Action:    audit.ActionEnvelopeOK,
		Severity:  fleet.AuditDebug,
		UserID:    sess.UserID,
		MachineID: env.MachineID,
	})
	return sess, nil
}

// Authorize is the outbound gate run before the server seals an
// envelope on behalf of a web user: the session must exist, belong to
// that user, be unexpired, and grant the capability the frame type
// needs, and the per-session budget must have room. Failures audit the
// same classes as Verify. The envelope-level defenses (nonce, skew,
// HMAC) run on the receiving side.
func (s *Service) Authorize(sessionID, userID, frameType string) (*fleet.TerminalSession, error) {
	sess, err := s.store.GetTerminalSession(sessionID)
	if err != nil {
		return nil, s.denyFrame(fleet.KindSessionInvalid, userID, "", sessionID, frameType, "unknown session")
	}
	if sess.UserID != userID {
		return nil, s.denyFrame(fleet.KindSessionInvalid, userID, sess.MachineID, sessionID, frameType, "session owned by another user")
	}
	if !VerifySessionSignature(sess, s.serverKey) {
		return nil, s.denyFrame(fleet.KindSessionInvalid, userID, sess.MachineID, sessionID, frameType, "session signature mismatch")
	}
	if s.clk.Now().After(sess.ExpiresAt) {
		return nil, s.denyFrame(fleet.KindSessionExpired, userID, sess.MachineID, sessionID, frameType, "session expired")
	}

	need, ok := requiredCapability(frameType)
	if !ok {
		return nil, s.denyFrame(fleet.KindMessageMalformed, userID, sess.MachineID, sessionID, frameType, "unsupported secure message type %q", frameType)
	}
	if !sess.Can(need) {
		return nil, s.denyFrame(fleet.KindCapabilityMissing, userID, sess.MachineID, sessionID, frameType, "session lacks capability %s", need)
	}

	if !s.limiter.Allow(sessionID) {
		return nil, s.denyFrame(fleet.KindRateLimitExceeded, userID, sess.MachineID, sessionID, frameType, "session message budget exhausted")
	}
	return sess, nil
}

// deny audits one verification failure under its class and returns
// the kinded error.
func (s *Service) deny(env *fleet.Envelope, kind fleet.Kind, format string, args ...any) error {
	return s.denyFrame(kind, "", env.MachineID, env.SessionID, env.Type, format, args...)
}

func (s *Service) denyFrame(kind fleet.Kind, userID, machineID, sessionID, frameType, format string, args ...any) error {
	err := fleet.E(kind, format, args...)
	metrics.EnvelopeDenials.WithLabelValues(string(kind)).Inc()
	s.audit.Record(audit.Entry{
		Action:    audit.ActionForKind(kind),
		Severity:  fleet.AuditWarning,
		UserID:    userID,
		MachineID: machineID,
		Details: map[string]any{
			"messageType": frameType,
			"sessionId":   sessionID,
			"reason":      err.Message,
		},
	})
	return err
}
