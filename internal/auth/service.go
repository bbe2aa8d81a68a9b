// Package auth owns control-plane accounts: password logins with a
// per-IP limiter, TOTP step-up, short-lived re-auth tokens for the
// critical-command gate, role checks, machine-access lists, and the
// optional OIDC and passkey flows.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secrets"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
)

// pendingTTL bounds the window between password success and the TOTP
// code for accounts with 2FA enabled.
const pendingTTL = 5 * time.Minute

// Store is the persistence surface the service needs.
type Store interface {
	CreateUser(u *fleet.User) error
	GetUser(id string) (*fleet.User, error)
	GetUserByUsername(username string) (*fleet.User, error)
	GetUserByOIDCSubject(subject string) (*fleet.User, error)
	UpdateUser(u *fleet.User) error
	DeleteUser(id string) error
	ListUsers() ([]*fleet.User, error)
	CountUsers() (int, error)
	SetMachineAccess(userID string, machineIDs []string) error
	GetMachineAccess(userID string) ([]string, error)
}

// Auditor records authentication activity.
type Auditor interface {
	Record(e audit.Entry)
}

// Service is the account and login engine.
type Service struct {
	store   Store
	secrets *secrets.Manager
	tokens  *Tokens
	limiter *LoginLimiter
	audit   Auditor
	clk     clock.Clock
	log     *logging.Logger

	// Passkeys is set by the composition root when WebAuthn is
	// configured; nil disables the passkey endpoints.
	Passkeys *Passkeys

	mu      sync.Mutex
	pending map[string]pendingLogin
}

type pendingLogin struct {
	userID    string
	expiresAt time.Time
}

func NewService(st Store, sec *secrets.Manager, tokens *Tokens, rec Auditor, clk clock.Clock, log *logging.Logger) *Service {
	return &Service{
		store:   st,
		secrets: sec,
		tokens:  tokens,
		limiter: NewLoginLimiter(clk),
		audit:   rec,
		clk:     clk,
		log:     log,
		pending: make(map[string]pendingLogin),
	}
}

// Tokens exposes the JWT minter for middleware and WS auth.
func (s *Service) Tokens() *Tokens { return s.tokens }

// LoginResult is what a successful (or half-successful) login yields.
// When TOTPRequired is set the caller holds PendingToken and must call
// VerifyTOTP before any JWT is issued.
type LoginResult struct {
	Token        string      `json:"token,omitempty"`
	User         *fleet.User `json:"user,omitempty"`
	TOTPRequired bool        `json:"totpRequired,omitempty"`
	PendingToken string      `json:"pendingToken,omitempty"`
}

// Login authenticates a username/password pair from the given IP.
// Lookup failures and wrong passwords are indistinguishable to the
// caller.
func (s *Service) Login(username, password, ip string) (*LoginResult, error) {
	if !s.limiter.Allow(ip) {
		metrics.LoginAttempts.WithLabelValues("rate_limited").Inc()
		s.audit.Record(audit.Entry{
			Action:   audit.ActionLoginLockout,
			Severity: fleet.AuditWarning,
			Username: username,
			Details:  map[string]any{"ip": ip},
		})
		return nil, fleet.E(fleet.KindRateLimitExceeded, "too many login attempts")
	}

	user, err := s.store.GetUserByUsername(username)
	if err != nil || !user.Active || !CheckPassword(user.PasswordHash, password) {
		s.limiter.RecordFailure(ip)
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		s.audit.Record(audit.Entry{
			Action:   audit.ActionLoginFailed,
			Severity: fleet.AuditWarning,
			Username: username,
			Details:  map[string]any{"ip": ip},
		})
		return nil, fleet.E(fleet.KindSessionInvalid, "invalid credentials")
	}

	s.limiter.Reset(ip)

	if user.TOTPEnabled {
		token, err := s.createPending(user.ID)
		if err != nil {
			return nil, err
		}
		return &LoginResult{TOTPRequired: true, PendingToken: token}, nil
	}
	return s.issue(user, audit.ActionLoginSuccess, ip)
}

// VerifyTOTP completes a 2FA login. The pending token is single-use.
func (s *Service) VerifyTOTP(pendingToken, code, ip string) (*LoginResult, error) {
	if !s.limiter.Allow(ip) {
		metrics.LoginAttempts.WithLabelValues("rate_limited").Inc()
		return nil, fleet.E(fleet.KindRateLimitExceeded, "too many login attempts")
	}

	userID, ok := s.takePending(pendingToken)
	if !ok {
		s.limiter.RecordFailure(ip)
		return nil, fleet.E(fleet.KindSessionExpired, "login step expired")
	}
	user, err := s.store.GetUser(userID)
	if err != nil || !user.Active {
		return nil, fleet.E(fleet.KindSessionInvalid, "invalid credentials")
	}

	if !s.checkTOTP(user, code) {
		s.limiter.RecordFailure(ip)
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		s.audit.Record(audit.Entry{
			Action:   audit.ActionTOTPFailed,
			Severity: fleet.AuditWarning,
			UserID:   user.ID,
			Username: user.Username,
			Details:  map[string]any{"ip": ip},
		})
		return nil, fleet.E(fleet.KindSessionInvalid, "invalid totp code")
	}

	s.limiter.Reset(ip)
	s.audit.Record(audit.Entry{
		Action:   audit.ActionTOTPVerified,
		UserID:   user.ID,
		Username: user.Username,
	})
	return s.issue(user, audit.ActionLoginSuccess, ip)
}

// Reauth issues a short-lived step-up token after the user re-proves
// their identity with their password or, for 2FA accounts, a TOTP
// code. The web layer demands this token before critical commands.
func (s *Service) Reauth(userID, password, code string) (string, error) {
	user, err := s.store.GetUser(userID)
	if err != nil || !user.Active {
		return "", fleet.E(fleet.KindReauthRequired, "re-authentication failed")
	}

	ok := false
	switch {
	case password != "":
		ok = CheckPassword(user.PasswordHash, password)
	case code != "" && user.TOTPEnabled:
		ok = s.checkTOTP(user, code)
	}
	if !ok {
		return "", fleet.E(fleet.KindReauthRequired, "re-authentication failed")
	}

	token, err := s.tokens.MintReauth(user)
	if err != nil {
		return "", fmt.Errorf("mint re-auth token: %w", err)
	}
	s.audit.Record(audit.Entry{
		Action:   audit.ActionReauthIssued,
		UserID:   user.ID,
		Username: user.Username,
	})
	return token, nil
}

// Authenticate resolves a login JWT to its live account. Used by the
// HTTP middleware and the web socket handshake.
func (s *Service) Authenticate(raw string) (*fleet.User, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(claims.Subject)
	if err != nil || !user.Active {
		return nil, fleet.E(fleet.KindSessionInvalid, "account no longer valid")
	}
	return user, nil
}

// VerifyReauth checks a step-up token for the given user.
func (s *Service) VerifyReauth(raw, userID string) error {
	_, err := s.tokens.VerifyReauth(raw, userID)
	return err
}

func (s *Service) issue(user *fleet.User, action, ip string) (*LoginResult, error) {
	token, err := s.tokens.Mint(user)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}
	now := s.clk.Now().UTC()
	user.LastLoginAt = &now
	if err := s.store.UpdateUser(user); err != nil {
		s.log.Warn("record last login", "user", user.Username, "error", err)
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	s.audit.Record(audit.Entry{
		Action:   action,
		UserID:   user.ID,
		Username: user.Username,
		Details:  map[string]any{"ip": ip},
	})
	return &LoginResult{Token: token, User: user.Redacted()}, nil
}

func (s *Service) createPending(userID string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pending token: %w", err)
	}
	token := hex.EncodeToString(b)
	s.mu.Lock()
	s.pending[token] = pendingLogin{userID: userID, expiresAt: s.clk.Now().Add(pendingTTL)}
	s.mu.Unlock()
	return token, nil
}

func (s *Service) takePending(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok {
		return "", false
	}
	delete(s.pending, token)
	if s.clk.Now().After(p.expiresAt) {
		return "", false
	}
	return p.userID, true
}

// Sweep drops expired limiter and pending-login state. The server runs
// it periodically.
func (s *Service) Sweep() {
	s.limiter.Sweep()
	s.mu.Lock()
	now := s.clk.Now()
	for token, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, token)
		}
	}
	s.mu.Unlock()
}

// checkTOTP decrypts the stored secret and validates the code.
func (s *Service) checkTOTP(user *fleet.User, code string) bool {
	secret, err := s.secrets.Decrypt(user.TOTPSecret)
	if err != nil {
		s.log.Error("decrypt totp secret", "user", user.Username, "error", err)
		return false
	}
	return ValidateTOTPCode(secret, code)
}

// EnrollTOTP generates a TOTP secret for the user and stores it
// encrypted. 2FA stays off until ConfirmTOTP proves the authenticator
// works; the returned key carries the provisioning URL for the QR code.
func (s *Service) EnrollTOTP(userID string) (*otp.Key, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	if user.TOTPEnabled {
		return nil, fleet.E(fleet.KindAlreadyRunning, "totp already enabled")
	}
	key, err := GenerateTOTPSecret(user.Username)
	if err != nil {
		return nil, err
	}
	enc, err := s.secrets.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("encrypt totp secret: %w", err)
	}
	user.TOTPSecret = enc
	if err := s.store.UpdateUser(user); err != nil {
		return nil, fmt.Errorf("save totp secret: %w", err)
	}
	return key, nil
}

// ConfirmTOTP activates 2FA once the user submits a valid code.
func (s *Service) ConfirmTOTP(userID, code string) error {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	if user.TOTPEnabled {
		return fleet.E(fleet.KindAlreadyRunning, "totp already enabled")
	}
	if user.TOTPSecret == "" {
		return fleet.E(fleet.KindMessageMalformed, "no pending totp enrollment")
	}
	if !s.checkTOTP(user, code) {
		return fleet.E(fleet.KindSessionInvalid, "invalid totp code")
	}
	user.TOTPEnabled = true
	if err := s.store.UpdateUser(user); err != nil {
		return fmt.Errorf("activate totp: %w", err)
	}
	s.audit.Record(audit.Entry{
		Action:   audit.ActionUserUpdated,
		UserID:   user.ID,
		Username: user.Username,
		Details:  map[string]any{"totpEnabled": true},
	})
	return nil
}

// DisableTOTP turns 2FA off after a password check.
func (s *Service) DisableTOTP(userID, password string) error {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	if !user.TOTPEnabled {
		return fleet.E(fleet.KindMessageMalformed, "totp not enabled")
	}
	if !CheckPassword(user.PasswordHash, password) {
		return fleet.E(fleet.KindSessionInvalid, "invalid credentials")
	}
	user.TOTPEnabled = false
	user.TOTPSecret = ""
	if err := s.store.UpdateUser(user); err != nil {
		return fmt.Errorf("disable totp: %w", err)
	}
	s.audit.Record(audit.Entry{
		Action:   audit.ActionUserUpdated,
		UserID:   user.ID,
		Username: user.Username,
		Details:  map[string]any{"totpEnabled": false},
	})
	return nil
}

// CreateUser adds an account. actor is the admin performing the change.
func (s *Service) CreateUser(actor *fleet.User, username, password string, role fleet.Role) (*fleet.User, error) {
	if !CanView(role) {
		return nil, fleet.E(fleet.KindMessageMalformed, "unknown role %q", role)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, fleet.Wrap(fleet.KindMessageMalformed, err, "weak password")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &fleet.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    s.clk.Now().UTC(),
	}
	if err := s.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return nil, fleet.Wrap(fleet.KindAlreadyRunning, err, "username %q taken", username)
		}
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "create user")
	}
	s.audit.Record(audit.Entry{
		Action:   audit.ActionUserCreated,
		UserID:   actor.ID,
		Username: actor.Username,
		Details:  map[string]any{"newUser": username, "role": string(role)},
	})
	return user, nil
}

// UpdateUserRole changes an account's role.
func (s *Service) UpdateUserRole(actor *fleet.User, userID string, role fleet.Role) error {
	if !CanView(role) {
		return fleet.E(fleet.KindMessageMalformed, "unknown role %q", role)
	}
	user, err := s.store.GetUser(userID)
	if err != nil {
		return fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	if user.Role == fleet.RoleAdmin && role != fleet.RoleAdmin {
		if err := s.ensureAnotherAdmin(userID); err != nil {
			return err
		}
	}
	user.Role = role
	if err := s.store.UpdateUser(user); err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "update user")
	}
	s.recordUserUpdate(actor, user, map[string]any{"role": string(role)})
	return nil
}

// SetUserActive enables or disables an account.
func (s *Service) SetUserActive(actor *fleet.User, userID string, active bool) error {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	if !active && user.Role == fleet.RoleAdmin {
		if err := s.ensureAnotherAdmin(userID); err != nil {
			return err
		}
	}
	user.Active = active
	if err := s.store.UpdateUser(user); err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "update user")
	}
	s.recordUserUpdate(actor, user, map[string]any{"active": active})
	return nil
}

// SetPassword replaces an account's password.
func (s *Service) SetPassword(actor *fleet.User, userID, password string) error {
	if err := ValidatePassword(password); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "weak password")
	}
	user, err := s.store.GetUser(userID)
	if err != nil {
		return fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	if err := s.store.UpdateUser(user); err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "update user")
	}
	s.recordUserUpdate(actor, user, map[string]any{"passwordChanged": true})
	return nil
}

// DeleteUser removes an account. The last active admin cannot be
// deleted.
func (s *Service) DeleteUser(actor *fleet.User, userID string) error {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	if user.Role == fleet.RoleAdmin {
		if err := s.ensureAnotherAdmin(userID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteUser(userID); err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "delete user")
	}
	s.audit.Record(audit.Entry{
		Action:   audit.ActionUserDeleted,
		Severity: fleet.AuditWarning,
		UserID:   actor.ID,
		Username: actor.Username,
		Details:  map[string]any{"deletedUser": user.Username},
	})
	return nil
}

// GetUser fetches one account.
func (s *Service) GetUser(userID string) (*fleet.User, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	return user, nil
}

// ListUsers returns every account.
func (s *Service) ListUsers() ([]*fleet.User, error) {
	return s.store.ListUsers()
}

// SetMachineAccess replaces a user's machine visibility list.
func (s *Service) SetMachineAccess(actor *fleet.User, userID string, machineIDs []string) error {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	if err := s.store.SetMachineAccess(userID, machineIDs); err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "set machine access")
	}
	s.audit.Record(audit.Entry{
		Action:   audit.ActionAccessUpdated,
		UserID:   actor.ID,
		Username: actor.Username,
		Details:  map[string]any{"user": user.Username, "machines": len(machineIDs)},
	})
	return nil
}

// MachineAccess returns a user's machine visibility list.
func (s *Service) MachineAccess(userID string) ([]string, error) {
	return s.store.GetMachineAccess(userID)
}

// ensureAnotherAdmin refuses changes that would leave the fleet
// without an active admin.
func (s *Service) ensureAnotherAdmin(excludeID string) error {
	users, err := s.store.ListUsers()
	if err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "list users")
	}
	for _, u := range users {
		if u.ID != excludeID && u.Role == fleet.RoleAdmin && u.Active {
			return nil
		}
	}
	return fleet.E(fleet.KindForbiddenRole, "cannot remove the last active admin")
}

func (s *Service) recordUserUpdate(actor, user *fleet.User, details map[string]any) {
	details["user"] = user.Username
	s.audit.Record(audit.Entry{
		Action:   audit.ActionUserUpdated,
		UserID:   actor.ID,
		Username: actor.Username,
		Details:  details,
	})
}
