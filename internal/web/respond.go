package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// maxBodyBytes caps request bodies; scan reports are the largest thing
// the API accepts.
const maxBodyBytes = 8 << 20

// apiError is the wire shape of every error response. Message is a
// generic, kind-derived string so internal error text never leaks.
type apiError struct {
	Error string     `json:"error"`
	Kind  fleet.Kind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := fleet.KindOf(err)
	if !ok {
		kind = fleet.KindStoreUnavailable
	}
	writeJSON(w, statusFor(kind), apiError{Error: messageFor(kind), Kind: kind})
}

func statusFor(kind fleet.Kind) int {
	switch kind {
	case fleet.KindMessageMissingType, fleet.KindMessageMalformed:
		return http.StatusBadRequest
	case fleet.KindSessionInvalid, fleet.KindSessionExpired, fleet.KindReauthRequired,
		fleet.KindMissingAgentSecret, fleet.KindInvalidAgentSecret, fleet.KindHMACFailed:
		return http.StatusUnauthorized
	case fleet.KindForbiddenRole, fleet.KindMachineAccessDenied, fleet.KindCapabilityMissing:
		return http.StatusForbidden
	case fleet.KindMachineNotFound, fleet.KindJobNotFound, fleet.KindUserNotFound:
		return http.StatusNotFound
	case fleet.KindAlreadyRunning:
		return http.StatusConflict
	case fleet.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case fleet.KindAgentDisconnected:
		return http.StatusConflict
	case fleet.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case fleet.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(kind fleet.Kind) string {
	switch kind {
	case fleet.KindMessageMissingType, fleet.KindMessageMalformed:
		return "invalid request"
	case fleet.KindSessionInvalid:
		return "authentication failed"
	case fleet.KindSessionExpired:
		return "session expired"
	case fleet.KindReauthRequired:
		return "re-authentication required"
	case fleet.KindMissingAgentSecret, fleet.KindInvalidAgentSecret:
		return "agent authentication failed"
	case fleet.KindForbiddenRole:
		return "insufficient role"
	case fleet.KindMachineAccessDenied:
		return "machine access denied"
	case fleet.KindMachineNotFound:
		return "machine not found"
	case fleet.KindJobNotFound:
		return "job not found"
	case fleet.KindUserNotFound:
		return "user not found"
	case fleet.KindAlreadyRunning:
		return "already in progress"
	case fleet.KindRateLimitExceeded:
		return "too many attempts"
	case fleet.KindAgentDisconnected:
		return "agent is offline"
	case fleet.KindUpstreamUnavailable:
		return "upstream service unavailable"
	default:
		return "internal error"
	}
}

// decode reads a JSON body into v. Unknown fields are rejected so typos
// surface instead of silently dropping input.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode request body")
	}
	return nil
}

// decodeLoose is decode without the unknown-field check, for agent
// frames where forward compatibility matters more than strictness.
func decodeLoose(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode request body")
	}
	return nil
}

// queryInt parses an integer query parameter, falling back on def.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
