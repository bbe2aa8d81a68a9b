package web

import (
	"encoding/base64"
	"net/http"

	"github.com/Will-Luck/Fleet-Sentinel/internal/auth"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Auth.Login(req.Username, req.Password, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PendingToken string `json:"pendingToken"`
		Code         string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Auth.VerifyTOTP(req.PendingToken, req.Code, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReauth issues a short-lived re-auth token after a fresh
// password or TOTP proof. Clients attach it as X-Reauth-Token when
// running critical commands.
func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	var req struct {
		Password string `json:"password,omitempty"`
		Code     string `json:"code,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := s.deps.Auth.Reauth(user.ID, req.Password, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reauthToken": token})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user *fleet.User) {
	writeJSON(w, http.StatusOK, user.Redacted())
}

// ---------------------------------------------------------------------------
// OIDC SSO
// ---------------------------------------------------------------------------

func (s *Server) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	state, err := auth.GenerateOIDCState()
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindUpstreamUnavailable, err, "generate state"))
		return
	}
	s.mu.Lock()
	s.oidcStates[state] = s.deps.Clock.Now().Add(oidcStateTTL)
	s.mu.Unlock()
	http.Redirect(w, r, s.deps.OIDC.AuthURL(state), http.StatusFound)
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, fleet.E(fleet.KindMessageMalformed, "missing state or code"))
		return
	}
	if !s.takeOIDCState(state) {
		writeError(w, fleet.E(fleet.KindSessionInvalid, "unknown oidc state"))
		return
	}
	identity, err := s.deps.OIDC.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Auth.LoginWithOIDC(identity, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// takeOIDCState consumes a state value, enforcing single use and TTL.
func (s *Server) takeOIDCState(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.oidcStates[state]
	if !ok {
		return false
	}
	delete(s.oidcStates, state)
	return s.deps.Clock.Now().Before(exp)
}

// sweepOIDCStates drops expired redirect states. Called from the
// server's periodic sweep.
func (s *Server) sweepOIDCStates() {
	now := s.deps.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for state, exp := range s.oidcStates {
		if now.After(exp) {
			delete(s.oidcStates, state)
		}
	}
}

// Sweep expires server-held transient state. The composition root calls
// it on the same cadence as the auth service sweep.
func (s *Server) Sweep() {
	s.sweepOIDCStates()
}

// ---------------------------------------------------------------------------
// WebAuthn passkeys
// ---------------------------------------------------------------------------

func (s *Server) handleWebAuthnRegisterBegin(w http.ResponseWriter, _ *http.Request, user *fleet.User) {
	options, ceremonyKey, err := s.deps.Auth.Passkeys.BeginRegistration(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ceremonyKey": ceremonyKey,
		"options":     options,
	})
}

func (s *Server) handleWebAuthnRegisterFinish(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	ceremonyKey := r.URL.Query().Get("ceremony")
	name := r.URL.Query().Get("name")
	if ceremonyKey == "" {
		writeError(w, fleet.E(fleet.KindMessageMalformed, "missing ceremony key"))
		return
	}
	cred, err := s.deps.Auth.AddPasskey(user.ID, ceremonyKey, name, r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleWebAuthnLoginBegin(w http.ResponseWriter, _ *http.Request) {
	assertion, ceremonyKey, err := s.deps.Auth.Passkeys.BeginLogin()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ceremonyKey": ceremonyKey,
		"options":     assertion,
	})
}

func (s *Server) handleWebAuthnLoginFinish(w http.ResponseWriter, r *http.Request) {
	ceremonyKey := r.URL.Query().Get("ceremony")
	if ceremonyKey == "" {
		writeError(w, fleet.E(fleet.KindMessageMalformed, "missing ceremony key"))
		return
	}
	res, err := s.deps.Auth.LoginWithPasskey(ceremonyKey, r, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWebAuthnList(w http.ResponseWriter, _ *http.Request, user *fleet.User) {
	creds, err := s.deps.Auth.Passkeys.ListPasskeys(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleWebAuthnDelete(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	credID, err := base64.RawURLEncoding.DecodeString(r.PathValue("id"))
	if err != nil {
		writeError(w, fleet.E(fleet.KindMessageMalformed, "malformed credential id"))
		return
	}
	if err := s.deps.Auth.Passkeys.DeletePasskey(user.ID, credID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------------------------------------------------------------------------
// TOTP enrollment
// ---------------------------------------------------------------------------

func (s *Server) handleTOTPEnroll(w http.ResponseWriter, _ *http.Request, user *fleet.User) {
	key, err := s.deps.Auth.EnrollTOTP(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret": key.Secret(),
		"url":    key.String(),
	})
}

func (s *Server) handleTOTPConfirm(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Auth.ConfirmTOTP(user.ID, req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleTOTPDisable(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Auth.DisableTOTP(user.ID, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}
