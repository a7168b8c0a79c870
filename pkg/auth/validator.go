package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// standardClaims are the registered claim names extracted into Claims
// fields; everything else goes to Custom.
var standardClaims = map[string]bool{
	"sub": true, "email": true, "role": true,
	"iss": true, "aud": true, "exp": true, "iat": true, "nbf": true,
}

// Validator verifies bearer tokens against a JWKS endpoint. The key set is
// cached and refreshed in the background to survive key rotation.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewValidator registers the JWKS URL for auto-refresh and performs an
// initial fetch so misconfiguration fails at startup, not on first request.
func NewValidator(ctx context.Context, jwksURL, issuer, audience string) (*Validator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("registering jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetching jwks from %s: %w", jwksURL, err)
	}

	return &Validator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateToken verifies the signature, expiry, issuer and audience of one
// token and returns its claims.
func (v *Validator) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("loading jwks: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	if email, ok := token.Get("email"); ok {
		claims.Email, _ = email.(string)
	}
	if role, ok := token.Get("role"); ok {
		claims.Role, _ = role.(string)
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		if key, ok := pair.Key.(string); ok && !standardClaims[key] {
			claims.Custom[key] = pair.Value
		}
	}
	return claims, nil
}
