// Package identity resolves the caller's own stable member identifier.
package identity

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/concord/internal/errors"
)

// Provider supplies the caller's member identifier.
type Provider interface {
	// CurrentID returns the caller's stable member id, or an
	// UNAUTHENTICATED error when no identity is established.
	CurrentID(ctx context.Context) (string, error)
}

// Static is a Provider with a fixed member id, used by tests and local tools.
type Static struct {
	ID string
}

// CurrentID returns the fixed id.
func (s Static) CurrentID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return "", errors.New(errors.CodeUnauthenticated, "no identity is established")
	}
	return id, nil
}

// Token is a Provider backed by an HMAC-signed JWT whose subject claim is the
// member id.
type Token struct {
	// Secret is the HMAC signing key used to verify the token.
	Secret []byte
	// Value is the compact serialized token.
	Value string
}

// CurrentID verifies the token and returns its subject.
func (t Token) CurrentID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw := strings.TrimSpace(t.Value)
	if raw == "" {
		return "", errors.New(errors.CodeUnauthenticated, "no identity token is set")
	}

	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf(errors.CodeUnauthenticated, "unexpected signing method %v", token.Header["alg"])
		}
		return t.Secret, nil
	})
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "verify identity token", err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New(errors.CodeUnauthenticated, "identity token has no subject")
	}
	return subject, nil
}

// Issue signs a token for memberID with the given secret. It exists for tests
// and local tools; production tokens come from an external identity service.
func Issue(secret []byte, memberID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: memberID,
	})
	return token.SignedString(secret)
}
