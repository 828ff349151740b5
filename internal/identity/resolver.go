package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// KeyProvider looks up the public key a token names in its kid header.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Claims is a verified token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	Raw       map[string]any
}

// Resolver verifies RS256/RS384/RS512 signed JWTs.
type Resolver struct {
	keys     KeyProvider
	audience string
	issuer   string
	leeway   time.Duration
}

// NewResolver checks tokens against keys. An empty audience or issuer skips
// that check.
func NewResolver(keys KeyProvider, audience, issuer string, leeway time.Duration) *Resolver {
	return &Resolver{keys: keys, audience: audience, issuer: issuer, leeway: leeway}
}

// Resolve verifies raw and returns its claims. Every failure wraps
// ErrInvalidToken.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(r.leeway),
	}
	if r.audience != "" {
		opts = append(opts, jwt.WithAudience(r.audience))
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return r.keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	out := &Claims{Raw: claims}
	out.Subject, _ = claims.GetSubject()
	out.Issuer, _ = claims.GetIssuer()
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
