// Package auth issues and validates the lightweight session tokens used by
// the surrounding SessionRegister/SessionAck exchange (spec §4.3, §6).
// There is no external identity provider in this design, so tokens are
// self-contained JWTs signed with a node-local secret rather than
// validated against a JWKS endpoint.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds how long a session token remains valid.
const TokenTTL = 24 * time.Hour

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issuer signs and validates session tokens with a single shared secret.
type Issuer struct {
	secret []byte
}

// New builds an Issuer using secret as the HMAC signing key.
func New(secret []byte) *Issuer {
	return &Issuer{secret: secret}
}

// IssueToken returns a signed session token for username.
func (a *Issuer) IssueToken(username string) (string, error) {
	claims := sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken returns the username embedded in a still-valid token.
func (a *Issuer) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid session token")
	}
	return claims.Username, nil
}
