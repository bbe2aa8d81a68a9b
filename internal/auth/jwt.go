package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// reauthTTL bounds the step-up window: a critical command must follow
// within this long of the re-auth proof.
const reauthTTL = 5 * time.Minute

// Claims is the JWT payload for both web logins and re-auth tokens.
// Subject carries the user id.
type Claims struct {
	Username string     `json:"username,omitempty"`
	Role     fleet.Role `json:"role,omitempty"`
	Reauth   bool       `json:"reauth,omitempty"`
	jwt.RegisteredClaims
}

// Tokens mints and verifies HS256 web tokens signed with the server
// secret. All time checks go through the injected clock.
type Tokens struct {
	key      []byte
	issuer   string
	audience string
	expiry   time.Duration
	clk      clock.Clock
}

func NewTokens(key []byte, issuer, audience string, expiry time.Duration, clk clock.Clock) *Tokens {
	return &Tokens{key: key, issuer: issuer, audience: audience, expiry: expiry, clk: clk}
}

// Mint issues a login token for the user.
func (t *Tokens) Mint(u *fleet.User) (string, error) {
	return t.mint(u, t.expiry, false)
}

// MintReauth issues a short-lived step-up token proving the user just
// re-entered their password (or TOTP code).
func (t *Tokens) MintReauth(u *fleet.User) (string, error) {
	return t.mint(u, reauthTTL, true)
}

func (t *Tokens) mint(u *fleet.User, ttl time.Duration, reauth bool) (string, error) {
	now := t.clk.Now().UTC()
	claims := Claims{
		Username: u.Username,
		Role:     u.Role,
		Reauth:   reauth,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{t.audience},
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Verify parses and validates a login token. Re-auth tokens are not
// login tokens and are rejected here.
func (t *Tokens) Verify(raw string) (*Claims, error) {
	claims, err := t.parse(raw)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fleet.Wrap(fleet.KindSessionExpired, err, "token expired")
		}
		return nil, fleet.Wrap(fleet.KindSessionInvalid, err, "token invalid")
	}
	if claims.Reauth {
		return nil, fleet.E(fleet.KindSessionInvalid, "re-auth token used as login token")
	}
	return claims, nil
}

// VerifyReauth validates a step-up token for the given user. Every
// failure maps to reauth_required so the client knows to prompt again.
func (t *Tokens) VerifyReauth(raw, userID string) (*Claims, error) {
	claims, err := t.parse(raw)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindReauthRequired, err, "re-auth token invalid")
	}
	if !claims.Reauth {
		return nil, fleet.E(fleet.KindReauthRequired, "not a re-auth token")
	}
	if claims.Subject != userID {
		return nil, fleet.E(fleet.KindReauthRequired, "re-auth token issued to a different user")
	}
	return claims, nil
}

func (t *Tokens) parse(raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return t.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return t.clk.Now() }),
	)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
