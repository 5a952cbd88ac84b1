package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims lets a programmatic API client present a bearer token
// instead of the cookie, binding it to an existing session id. This is an
// enrichment over the bare cookie flow (see SPEC_FULL.md's domain-stack
// table) — the cookie remains the primary mechanism for the HTML surface.
type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates bearer tokens bound to a session id.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer signing with HS256 and secret.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultLifetime
	}
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue mints a bearer token for an already-authenticated session.
func (t *TokenIssuer) Issue(sessionID string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			Issuer:    "hub",
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// Validate returns the bound session id if tokenString is a valid,
// unexpired token signed by this issuer.
func (t *TokenIssuer) Validate(tokenString string) (string, error) {
	claims := &sessionClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.SessionID, nil
}
