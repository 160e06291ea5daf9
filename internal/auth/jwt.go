// Package auth mints and verifies short-lived observer tokens for the
// snapshot streamer, adapted from the teacher's token service: an
// HMAC-signed JWT is one of the two bearer forms the streamer accepts
// (spec section 4.10; the static per-deployment token is the other).
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ObserverClaims holds the claims carried by an observer token. Observer
// identity is stored in the standard "sub" claim.
type ObserverClaims struct {
	jwt.RegisteredClaims
}

// ObserverID returns the subject (observer id) from the token.
func (c *ObserverClaims) ObserverID() string {
	return c.Subject
}

// TokenService issues and verifies HS256 JWTs scoped to the snapshot
// streamer.
type TokenService struct {
	secret   []byte
	duration time.Duration
}

// NewTokenService creates a token service with the given HMAC secret and
// token lifetime. A zero duration defaults to 1 hour.
func NewTokenService(secret []byte, duration time.Duration) *TokenService {
	if duration == 0 {
		duration = time.Hour
	}
	return &TokenService{secret: secret, duration: duration}
}

// Issue creates a signed JWT for observerID.
func (ts *TokenService) Issue(observerID string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ts.duration)

	claims := ObserverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   observerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign observer token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a JWT, returning the claims if valid.
func (ts *TokenService) Verify(tokenString string) (*ObserverClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ObserverClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse observer token: %w", err)
	}

	claims, ok := token.Claims.(*ObserverClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid observer token claims")
	}
	return claims, nil
}
