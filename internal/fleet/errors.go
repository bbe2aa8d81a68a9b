package fleet

import (
	"errors"
	"fmt"
)

// Kind is the closed set of machine-readable failure categories. Every
// failure path in the control plane maps to exactly one kind; clients key
// message lookup off the string and never see internal error text.
type Kind string

const (
	// Protocol.
	KindMessageMissingType Kind = "message_missing_type"
	KindMessageMalformed   Kind = "message_malformed"

	// Auth.
	KindMissingAgentSecret Kind = "missing_agent_secret"
	KindInvalidAgentSecret Kind = "invalid_agent_secret"
	KindSessionInvalid     Kind = "session_invalid"
	KindSessionExpired     Kind = "session_expired"
	KindCapabilityMissing  Kind = "capability_missing"
	KindReauthRequired     Kind = "reauth_required"

	// Integrity / replay.
	KindHMACFailed          Kind = "hmac_failed"
	KindReplayTimestampSkew Kind = "replay_timestamp_skew"
	KindReplayNonceSeen     Kind = "replay_nonce_seen"

	// Rate.
	KindRateLimitExceeded Kind = "rate_limit_exceeded"

	// Authorization.
	KindForbiddenRole       Kind = "forbidden_role"
	KindMachineAccessDenied Kind = "machine_access_denied"

	// Resource.
	KindMachineNotFound Kind = "machine_not_found"
	KindJobNotFound     Kind = "job_not_found"
	KindUserNotFound    Kind = "user_not_found"

	// State.
	KindAlreadyRunning       Kind = "already_running"
	KindSupersededConnection Kind = "superseded_connection"
	KindAgentDisconnected    Kind = "agent_disconnected"

	// Infrastructure.
	KindStoreUnavailable    Kind = "store_unavailable"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
)

// Error carries a Kind alongside a human-readable message and an optional
// wrapped cause. The message is safe to log; only the kind reaches clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two fleet errors by kind, so errors.Is(err, fleet.E(kind, ""))
// and sentinel comparisons both work.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// E builds a kinded error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a kinded error around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from any error in the chain; unknown errors map
// to KindStoreUnavailable only when nil-safe callers ask for a default.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
