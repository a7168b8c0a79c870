// Package auth validates JWT bearer tokens against a provider's JWKS
// endpoint and guards the ops server's API routes.
package auth

import "context"

type contextKey string

const claimsContextKey contextKey = "fractal_auth_claims"

// Claims are the validated claims of a bearer token. The field set covers
// the common identity providers; everything else lands in Custom.
type Claims struct {
	// Subject is the unique user id (sub claim).
	Subject string `json:"sub"`

	// Email is the user's email, when the provider includes it.
	Email string `json:"email,omitempty"`

	// Role drives authorization decisions.
	Role string `json:"role,omitempty"`

	// Custom holds any claims not mapped to a field.
	Custom map[string]any `json:"-"`
}

// HasAnyRole reports whether the user holds one of the given roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.Role == role {
			return true
		}
	}
	return false
}

// ClaimsFromContext extracts validated claims; nil when the request was not
// authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims attaches validated claims to a context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
