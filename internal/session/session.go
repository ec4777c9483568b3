// Package session issues and accepts the signed credential that proves a
// caller completed the one-time-code login. There is no server-side session
// table: a credential is valid while its signature checks out and it has not
// expired.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultLifetime = 30 * 24 * time.Hour
	CookieName      = "session"
	issuer          = "pro-entitlements"
)

// Credential is an issued session.
type Credential struct {
	Token     string
	Identity  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// MaxAge is the cookie max-age matching the credential lifetime.
func (c Credential) MaxAge() int {
	return int(c.ExpiresAt.Sub(c.IssuedAt).Seconds())
}

type Issuer struct {
	key      []byte
	lifetime time.Duration
	now      func() time.Time
}

func NewIssuer(key []byte, lifetime time.Duration) *Issuer {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Issuer{key: key, lifetime: lifetime, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) Lifetime() time.Duration { return i.lifetime }

// Issue signs a credential for identity expiring one lifetime from now.
func (i *Issuer) Issue(identity string) (Credential, error) {
	identity = domain.NormalizeIdentity(identity)
	if identity == "" {
		return Credential{}, fmt.Errorf("issue session: empty identity")
	}

	now := i.now().Truncate(time.Second)
	exp := now.Add(i.lifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Credential{}, fmt.Errorf("sign session: %w", err)
	}
	return Credential{Token: signed, Identity: identity, IssuedAt: now, ExpiresAt: exp}, nil
}

// Accept returns the identity carried by token, or domain.ErrUnauthorized.
func (i *Issuer) Accept(token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthorized
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return "", domain.ErrUnauthorized
	}

	identity := domain.NormalizeIdentity(claims.Subject)
	if identity == "" {
		return "", domain.ErrUnauthorized
	}
	return identity, nil
}
