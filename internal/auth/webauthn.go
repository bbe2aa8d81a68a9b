package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// ceremonyTTL bounds the Begin/Finish handoff of one WebAuthn flow.
const ceremonyTTL = 60 * time.Second

// PasskeyStore persists credentials and transient ceremony state.
type PasskeyStore interface {
	SaveWebAuthnCredential(cred *fleet.WebAuthnCredential) error
	GetWebAuthnCredential(id []byte) (*fleet.WebAuthnCredential, error)
	ListWebAuthnCredentials(userID string) ([]*fleet.WebAuthnCredential, error)
	DeleteWebAuthnCredential(id []byte) error
	CountWebAuthnCredentials() (int, error)
	SaveWebAuthnCeremony(key string, data []byte, userID string, expiresAt time.Time) error
	TakeWebAuthnCeremony(key string, now time.Time) (data []byte, userID string, err error)
}

// PasskeyConfig names the relying party.
type PasskeyConfig struct {
	RPID          string // e.g. "fleet.example.com"
	RPOrigin      string // e.g. "https://fleet.example.com"
	RPDisplayName string
}

// Passkeys is the server side of WebAuthn registration and login.
type Passkeys struct {
	wa    *webauthn.WebAuthn
	store PasskeyStore
	users Store
	clk   clock.Clock
}

func NewPasskeys(cfg PasskeyConfig, st PasskeyStore, users Store, clk clock.Clock) (*Passkeys, error) {
	name := cfg.RPDisplayName
	if name == "" {
		name = "Fleet Sentinel"
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: name,
		RPID:          cfg.RPID,
		RPOrigins:     []string{cfg.RPOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &Passkeys{wa: wa, store: st, users: users, clk: clk}, nil
}

// Available reports whether any passkey exists, deciding if the login
// page offers the passkey option.
func (p *Passkeys) Available() bool {
	n, err := p.store.CountWebAuthnCredentials()
	return err == nil && n > 0
}

// passkeyUser adapts a fleet account to the webauthn.User interface.
// The user id doubles as the user handle.
type passkeyUser struct {
	user  *fleet.User
	creds []*fleet.WebAuthnCredential
}

func (u *passkeyUser) WebAuthnID() []byte          { return []byte(u.user.ID) }
func (u *passkeyUser) WebAuthnName() string        { return u.user.Username }
func (u *passkeyUser) WebAuthnDisplayName() string { return u.user.Username }

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.creds))
	for _, c := range u.creds {
		out = append(out, toLibraryCredential(c))
	}
	return out
}

func (p *Passkeys) loadUser(userID string) (*passkeyUser, error) {
	user, err := p.users.GetUser(userID)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindUserNotFound, err, "user %s", userID)
	}
	creds, err := p.store.ListWebAuthnCredentials(userID)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "list passkeys")
	}
	return &passkeyUser{user: user, creds: creds}, nil
}

// BeginRegistration starts enrolling a new passkey for the user. The
// returned key must come back on Finish.
func (p *Passkeys) BeginRegistration(userID string) (*protocol.CredentialCreation, string, error) {
	wu, err := p.loadUser(userID)
	if err != nil {
		return nil, "", err
	}
	options, session, err := p.wa.BeginRegistration(wu)
	if err != nil {
		return nil, "", fmt.Errorf("begin registration: %w", err)
	}
	key, err := p.saveCeremony(session, userID)
	if err != nil {
		return nil, "", err
	}
	return options, key, nil
}

// FinishRegistration validates the attestation response and persists
// the new credential under the given label.
func (p *Passkeys) FinishRegistration(userID, ceremonyKey, name string, r *http.Request) (*fleet.WebAuthnCredential, error) {
	session, owner, err := p.takeCeremony(ceremonyKey)
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, fleet.E(fleet.KindSessionInvalid, "ceremony started by another user")
	}
	wu, err := p.loadUser(userID)
	if err != nil {
		return nil, err
	}
	cred, err := p.wa.FinishRegistration(wu, *session, r)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindSessionInvalid, err, "finish registration")
	}

	stored := fromLibraryCredential(cred, userID, name, p.clk.Now().UTC())
	if err := p.store.SaveWebAuthnCredential(stored); err != nil {
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "save passkey")
	}
	return stored, nil
}

// BeginLogin starts a discoverable (usernameless) login ceremony.
func (p *Passkeys) BeginLogin() (*protocol.CredentialAssertion, string, error) {
	options, session, err := p.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", fmt.Errorf("begin login: %w", err)
	}
	key, err := p.saveCeremony(session, "")
	if err != nil {
		return nil, "", err
	}
	return options, key, nil
}

// FinishLogin validates the assertion and returns the authenticated
// user. The sign counter is persisted for clone detection.
func (p *Passkeys) FinishLogin(ceremonyKey string, r *http.Request) (*fleet.User, error) {
	session, _, err := p.takeCeremony(ceremonyKey)
	if err != nil {
		return nil, err
	}

	var matched *passkeyUser
	cred, err := p.wa.FinishDiscoverableLogin(func(_, userHandle []byte) (webauthn.User, error) {
		wu, err := p.loadUser(string(userHandle))
		if err != nil {
			return nil, err
		}
		matched = wu
		return wu, nil
	}, *session, r)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindSessionInvalid, err, "finish login")
	}

	stored, err := p.store.GetWebAuthnCredential(cred.ID)
	if err == nil {
		now := p.clk.Now().UTC()
		stored.Authenticator.SignCount = cred.Authenticator.SignCount
		stored.Authenticator.CloneWarning = cred.Authenticator.CloneWarning
		stored.LastUsedAt = &now
		_ = p.store.SaveWebAuthnCredential(stored)
	}
	return matched.user, nil
}

// DeletePasskey removes one of the user's credentials.
func (p *Passkeys) DeletePasskey(userID string, credID []byte) error {
	cred, err := p.store.GetWebAuthnCredential(credID)
	if err != nil {
		return fleet.Wrap(fleet.KindUserNotFound, err, "passkey not found")
	}
	if cred.UserID != userID {
		return fleet.E(fleet.KindMachineAccessDenied, "passkey belongs to another user")
	}
	return p.store.DeleteWebAuthnCredential(credID)
}

// ListPasskeys returns the user's registered credentials.
func (p *Passkeys) ListPasskeys(userID string) ([]*fleet.WebAuthnCredential, error) {
	return p.store.ListWebAuthnCredentials(userID)
}

func (p *Passkeys) saveCeremony(session *webauthn.SessionData, userID string) (string, error) {
	blob, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("marshal ceremony: %w", err)
	}
	key := uuid.NewString()
	expires := p.clk.Now().Add(ceremonyTTL)
	if err := p.store.SaveWebAuthnCeremony(key, blob, userID, expires); err != nil {
		return "", fleet.Wrap(fleet.KindStoreUnavailable, err, "save ceremony")
	}
	return key, nil
}

func (p *Passkeys) takeCeremony(key string) (*webauthn.SessionData, string, error) {
	blob, userID, err := p.store.TakeWebAuthnCeremony(key, p.clk.Now())
	if err != nil {
		return nil, "", fleet.Wrap(fleet.KindSessionExpired, err, "ceremony expired")
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(blob, &session); err != nil {
		return nil, "", fleet.Wrap(fleet.KindMessageMalformed, err, "decode ceremony")
	}
	return &session, userID, nil
}

func toLibraryCredential(c *fleet.WebAuthnCredential) webauthn.Credential {
	transport := make([]protocol.AuthenticatorTransport, 0, len(c.Transport))
	for _, t := range c.Transport {
		transport = append(transport, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transport,
		Flags: webauthn.CredentialFlags{
			UserPresent:    c.Flags.UserPresent,
			UserVerified:   c.Flags.UserVerified,
			BackupEligible: c.Flags.BackupEligible,
			BackupState:    c.Flags.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:       c.Authenticator.AAGUID,
			SignCount:    c.Authenticator.SignCount,
			CloneWarning: c.Authenticator.CloneWarning,
			Attachment:   protocol.AuthenticatorAttachment(c.Authenticator.Attachment),
		},
	}
}

func fromLibraryCredential(cred *webauthn.Credential, userID, name string, now time.Time) *fleet.WebAuthnCredential {
	transport := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transport = append(transport, string(t))
	}
	if name == "" {
		name = "passkey"
	}
	return &fleet.WebAuthnCredential{
		ID:              cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transport:       transport,
		Flags: fleet.WebAuthnFlags{
			UserPresent:    cred.Flags.UserPresent,
			UserVerified:   cred.Flags.UserVerified,
			BackupEligible: cred.Flags.BackupEligible,
			BackupState:    cred.Flags.BackupState,
		},
		Authenticator: fleet.WebAuthnAuthenticator{
			AAGUID:       cred.Authenticator.AAGUID,
			SignCount:    cred.Authenticator.SignCount,
			CloneWarning: cred.Authenticator.CloneWarning,
			Attachment:   string(cred.Authenticator.Attachment),
		},
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
	}
}

// LoginWithPasskey completes a passkey assertion and issues a login
// token.
func (s *Service) LoginWithPasskey(ceremonyKey string, r *http.Request, ip string) (*LoginResult, error) {
	if s.Passkeys == nil {
		return nil, fleet.E(fleet.KindMessageMalformed, "passkeys not configured")
	}
	if !s.limiter.Allow(ip) {
		return nil, fleet.E(fleet.KindRateLimitExceeded, "too many login attempts")
	}
	user, err := s.Passkeys.FinishLogin(ceremonyKey, r)
	if err != nil {
		s.limiter.RecordFailure(ip)
		return nil, err
	}
	if !user.Active {
		return nil, fleet.E(fleet.KindSessionInvalid, "account disabled")
	}
	s.limiter.Reset(ip)
	return s.issue(user, audit.ActionWebAuthnLogin, ip)
}

// AddPasskey completes a registration ceremony for the user and audits
// the enrollment.
func (s *Service) AddPasskey(userID, ceremonyKey, name string, r *http.Request) (*fleet.WebAuthnCredential, error) {
	if s.Passkeys == nil {
		return nil, fleet.E(fleet.KindMessageMalformed, "passkeys not configured")
	}
	cred, err := s.Passkeys.FinishRegistration(userID, ceremonyKey, name, r)
	if err != nil {
		return nil, err
	}
	user, uerr := s.store.GetUser(userID)
	username := userID
	if uerr == nil {
		username = user.Username
	}
	s.audit.Record(audit.Entry{
		Action:   audit.ActionWebAuthnEnroll,
		UserID:   userID,
		Username: username,
		Details:  map[string]any{"name": cred.Name},
	})
	return cred, nil
}
