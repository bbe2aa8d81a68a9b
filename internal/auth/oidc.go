package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
)

// OIDCConfig configures the optional SSO login.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether SSO is configured at all.
func (c OIDCConfig) Enabled() bool {
	return c.IssuerURL != "" && c.ClientID != "" && c.RedirectURL != ""
}

// OIDCProvider wraps issuer discovery and the code-exchange flow.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
}

// OIDCIdentity is what the provider asserts about the user.
type OIDCIdentity struct {
	Subject  string
	Email    string
	Username string
}

// NewOIDCProvider runs issuer discovery. Returns (nil, nil) when SSO
// is not configured.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// AuthURL builds the authorization redirect for the given state.
func (p *OIDCProvider) AuthURL(state string) string {
	return p.oauth2.AuthCodeURL(state)
}

// Exchange trades the authorization code for a verified identity.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*OIDCIdentity, error) {
	token, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindUpstreamUnavailable, err, "oidc code exchange")
	}
	raw, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fleet.E(fleet.KindUpstreamUnavailable, "no id_token in oidc response")
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindSessionInvalid, err, "verify id token")
	}

	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fleet.Wrap(fleet.KindMessageMalformed, err, "parse oidc claims")
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = idToken.Subject
	}
	return &OIDCIdentity{Subject: idToken.Subject, Email: claims.Email, Username: username}, nil
}

// GenerateOIDCState mints the random state parameter for the redirect.
func GenerateOIDCState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LoginWithOIDC resolves a verified identity to an account and issues
// a login token. Lookup is by OIDC subject first; an existing local
// account with the same username is bound to the subject on first SSO
// login. Unknown identities get a viewer account.
func (s *Service) LoginWithOIDC(identity *OIDCIdentity, ip string) (*LoginResult, error) {
	user, err := s.store.GetUserByOIDCSubject(identity.Subject)
	if errors.Is(err, store.ErrNotFound) {
		user, err = s.bindOrCreateOIDCUser(identity)
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, fleet.E(fleet.KindSessionInvalid, "account disabled")
	}
	return s.issue(user, audit.ActionOIDCLogin, ip)
}

func (s *Service) bindOrCreateOIDCUser(identity *OIDCIdentity) (*fleet.User, error) {
	user, err := s.store.GetUserByUsername(identity.Username)
	if err == nil {
		user.OIDCSubject = identity.Subject
		if uerr := s.store.UpdateUser(user); uerr != nil {
			return nil, fleet.Wrap(fleet.KindStoreUnavailable, uerr, "bind oidc subject")
		}
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "lookup user %q", identity.Username)
	}

	// SSO-created accounts never log in by password; store an
	// unguessable one anyway.
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}
	hash, err := HashPassword(hex.EncodeToString(random))
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user = &fleet.User{
		ID:           uuid.NewString(),
		Username:     identity.Username,
		PasswordHash: hash,
		Role:         fleet.RoleViewer,
		Active:       true,
		OIDCSubject:  identity.Subject,
		CreatedAt:    s.clk.Now().UTC(),
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "create sso user")
	}
	s.audit.Record(audit.Entry{
		Action:  audit.ActionUserCreated,
		Details: map[string]any{"newUser": user.Username, "role": string(user.Role), "via": "oidc"},
	})
	return user, nil
}
