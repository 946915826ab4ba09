// Package identity carries the already-authenticated caller through the core.
package identity

import "context"

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Principal is the (userId, role) pair supplied by the identity collaborator.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

func (p Principal) Valid() bool { return p.UserID != "" }

type contextKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok && p.Valid()
}
