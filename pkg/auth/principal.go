// Package auth carries the calling principal through context and the HTTP
// boundary. The core packages never parse tokens themselves; they receive
// the caller identity from here and consult the access-control registry
// for roles.
package auth

import (
	"context"
	"errors"
)

// Principal is the identity of a caller: a human operator, an external
// account, or a non-human system component.
type Principal string

// String returns the raw identity.
func (p Principal) String() string {
	return string(p)
}

// Nobody is the zero principal; no role is ever granted to it.
const Nobody Principal = ""

type principalKey struct{}

// ErrNoPrincipal is returned when a context carries no principal.
var ErrNoPrincipal = errors.New("no principal in context")

// WithPrincipal attaches the caller identity to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the caller identity from the context.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p == Nobody {
		return Nobody, ErrNoPrincipal
	}
	return p, nil
}
