// Package auth holds the authenticated identity produced by the token
// verification gates and the outcome taxonomy shared by them.
package auth

import (
	"context"
	"time"
)

// Identity is the authenticated caller as derived from an active
// introspection verdict. It is immutable once attached to a request.
type Identity struct {
	Subject   string    `json:"subject"`
	Username  string    `json:"username,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	Audiences []string  `json:"audiences,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	IssuedAt  time.Time `json:"issued_at,omitzero"`
	NotBefore time.Time `json:"not_before,omitzero"`
}

// HasScope reports whether scope was granted to the token.
func (i *Identity) HasScope(scope string) bool {
	return contains(i.Scopes, scope)
}

// HasRole reports whether role was found in any of the role claims.
func (i *Identity) HasRole(role string) bool {
	return contains(i.Roles, role)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity attaches id to ctx for downstream handlers.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the authentication
// gate. A missing identity means the request is anonymous.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
