// Package accesscontrol is the role registry gating every mutating
// operation in the credit subsystem.
package accesscontrol

import (
	"context"
	"log/slog"
	"sync"

	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
)

// Role is a named capability granted to a principal.
type Role string

const (
	RoleAdmin          Role = "ADMIN_ROLE"
	RoleVehicleManager Role = "VEHICLE_MANAGER_ROLE"
	RoleCalculator     Role = "CALCULATOR_ROLE"
	RoleCreditsManager Role = "CREDITS_MANAGER_ROLE"
)

// Authorizer is the read-only role check consumed by the other components.
type Authorizer interface {
	Has(role Role, p auth.Principal) bool
}

// Registry holds role assignments. Exactly one principal holds Admin at
// genesis; only an Admin holder may grant or revoke any role afterwards,
// including Admin itself.
type Registry struct {
	mu     sync.RWMutex
	grants map[Role]map[auth.Principal]struct{}
	obs    observation.Log
	logger *slog.Logger
}

// NewRegistry creates the registry with its genesis Admin.
func NewRegistry(genesisAdmin auth.Principal, obs observation.Log) *Registry {
	r := &Registry{
		grants: map[Role]map[auth.Principal]struct{}{
			RoleAdmin: {genesisAdmin: {}},
		},
		obs:    obs,
		logger: slog.Default().With("component", "accesscontrol"),
	}
	return r
}

// Grant gives role to principal. Granting an already-held role is a no-op.
func (r *Registry) Grant(ctx context.Context, caller auth.Principal, role Role, p auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.has(RoleAdmin, caller) {
		return errdefs.ErrUnauthorized
	}
	if r.has(role, p) {
		return nil
	}

	// Observation first; a failed append grants nothing.
	_, err := r.obs.Append(ctx, observation.KindRoleGranted, caller.String(), map[string]string{
		"role":      string(role),
		"principal": p.String(),
	})
	if err != nil {
		return err
	}

	if r.grants[role] == nil {
		r.grants[role] = make(map[auth.Principal]struct{})
	}
	r.grants[role][p] = struct{}{}

	r.logger.Info("role granted", "role", string(role), "principal", p.String(), "by", caller.String())
	return nil
}

// Revoke removes role from principal. Revoking a role that was never
// granted is a no-op, not an error.
func (r *Registry) Revoke(ctx context.Context, caller auth.Principal, role Role, p auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.has(RoleAdmin, caller) {
		return errdefs.ErrUnauthorized
	}
	if !r.has(role, p) {
		return nil
	}

	// Observation first; a failed append keeps the grant in place.
	_, err := r.obs.Append(ctx, observation.KindRoleRevoked, caller.String(), map[string]string{
		"role":      string(role),
		"principal": p.String(),
	})
	if err != nil {
		return err
	}

	delete(r.grants[role], p)

	r.logger.Info("role revoked", "role", string(role), "principal", p.String(), "by", caller.String())
	return nil
}

// Has reports whether principal currently holds role.
func (r *Registry) Has(role Role, p auth.Principal) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.has(role, p)
}

func (r *Registry) has(role Role, p auth.Principal) bool {
	_, ok := r.grants[role][p]
	return ok
}
