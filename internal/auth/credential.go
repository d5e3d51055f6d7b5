// Package auth holds the bearer credential supplied by the surrounding
// application and inspects its JWT claims client-side. Token verification is
// the server's job; the client only reads claims to identify the local user
// and to warn before dialing with an expired token.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when a credential is built from an empty token.
var ErrNoToken = errors.New("auth: token is empty")

// Identity is the user information embedded in the bearer token.
type Identity struct {
	// Subject is the user id claim.
	Subject string

	// Username and FullName identify the local user in presence and
	// echo matching. They are empty when the token does not carry them.
	Username string
	FullName string

	// ExpiresAt is zero when the token never expires.
	ExpiresAt time.Time
}

// Claims mirrors the token payload issued by the task API.
type Claims struct {
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
	jwt.RegisteredClaims
}

// Credential is a static bearer token.
type Credential struct {
	token    string
	identity Identity
}

// NewCredential builds a credential from a raw token. A "Bearer " prefix is
// tolerated and stripped. Claim parsing is best-effort: a token the client
// cannot decode still works for REST and transport calls, it just yields an
// empty Identity.
func NewCredential(token string) (*Credential, error) {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return nil, ErrNoToken
	}

	cred := &Credential{token: token}
	cred.identity = parseIdentity(token)
	return cred, nil
}

// Token returns the raw bearer token.
func (c *Credential) Token() string {
	return c.token
}

// Identity returns the claims read from the token.
func (c *Credential) Identity() Identity {
	return c.identity
}

// Expired reports whether the token carries an exp claim in the past.
func (c *Credential) Expired(now time.Time) bool {
	exp := c.identity.ExpiresAt
	return !exp.IsZero() && exp.Before(now)
}

func parseIdentity(token string) Identity {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Identity{}
	}

	identity := Identity{
		Subject:  claims.Subject,
		Username: claims.Username,
		FullName: claims.FullName,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity
}
