// Package kbauth authenticates the single whitelisted Knowledge Base
// writer (the Coordinator). The original prototype only checked the bare
// sender JID; we add a signed JWT carried under content.meta.auth,
// falling back to the bare-sender whitelist when no token is presented so
// the wire format stays backward compatible. The Coordinator in this tree
// attaches no token, so its STOREs pass the bare-sender check.
package kbauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the Coordinator to the KB service.
type Claims struct {
	Writer string `json:"writer"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies Coordinator identity tokens with a shared
// secret, per kb_auth_secret in the deployment config.
type Issuer struct {
	secret []byte
	writer string
	ttl    time.Duration
}

// NewIssuer builds an Issuer for writer (the Coordinator's logical
// identity) signing tokens that last ttl.
func NewIssuer(secret, writer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), writer: writer, ttl: ttl}
}

// Issue mints a bearer token identifying the Coordinator, in the form
// AuthorizeWriter accepts under content.meta.auth. Nothing in this tree
// calls it; the KB side only verifies tokens.
func (i *Issuer) Issue() (string, error) {
	now := time.Now()
	claims := &Claims{
		Writer: i.writer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   i.writer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates a token, returning the writer identity it
// asserts.
func (i *Issuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("kbauth: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("kbauth: parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("kbauth: invalid token")
	}
	return claims.Writer, nil
}

// AuthorizeWriter decides whether sender may perform a STORE: it accepts a
// valid token asserting the configured writer identity; absent a token, it
// falls back to a direct bare-sender comparison against the whitelisted
// writer (spec.md §4.3's "exactly one whitelisted writer" rule).
func (i *Issuer) AuthorizeWriter(sender, token string) bool {
	if token != "" {
		writer, err := i.Verify(token)
		return err == nil && writer == i.writer
	}
	return sender == i.writer
}
