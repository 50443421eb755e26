// Package registry is the name→(locator, version) directory through
// which components are discovered and upgraded without hardcoded
// coordinates. It is orthogonal to the ledger logic.
package registry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
)

// Entry is one registered component.
type Entry struct {
	Name    string `json:"name"`
	Locator string `json:"locator"`
	Version uint64 `json:"version"`
}

// Registry is a thread-safe versioned component directory.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	authz  accesscontrol.Authorizer
	obs    observation.Log
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(authz accesscontrol.Authorizer, obs observation.Log) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		authz:   authz,
		obs:     obs,
		logger:  slog.Default().With("component", "registry"),
	}
}

// Register upserts an entry unconditionally; used for initial wiring and
// administrative corrections. Admin only.
func (r *Registry) Register(ctx context.Context, caller auth.Principal, name, locator string, version uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.authz.Has(accesscontrol.RoleAdmin, caller) {
		return errdefs.ErrUnauthorized
	}

	// Observation first; a failed append leaves the table untouched.
	_, err := r.obs.Append(ctx, observation.KindContractRegistered, caller.String(), map[string]string{
		"name":    name,
		"locator": locator,
		"version": formatVersion(version),
	})
	if err != nil {
		return err
	}

	r.entries[name] = &Entry{Name: name, Locator: locator, Version: version}

	r.logger.Info("contract registered", "name", name, "locator", locator, "version", version)
	return nil
}

// Upgrade replaces an existing entry; the new version must strictly
// increase. Admin only.
func (r *Registry) Upgrade(ctx context.Context, caller auth.Principal, name, locator string, newVersion uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.authz.Has(accesscontrol.RoleAdmin, caller) {
		return errdefs.ErrUnauthorized
	}
	current, ok := r.entries[name]
	if !ok {
		return errdefs.ErrNotRegistered
	}
	if newVersion <= current.Version {
		return errdefs.ErrVersionNotIncreasing
	}

	// Observation first; a failed append keeps the current version live.
	_, err := r.obs.Append(ctx, observation.KindContractUpgraded, caller.String(), map[string]string{
		"name":    name,
		"locator": locator,
		"version": formatVersion(newVersion),
	})
	if err != nil {
		return err
	}

	r.entries[name] = &Entry{Name: name, Locator: locator, Version: newVersion}

	r.logger.Info("contract upgraded", "name", name, "locator", locator, "version", newVersion)
	return nil
}

// Resolve returns the current entry for name.
func (r *Registry) Resolve(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, errdefs.ErrNotRegistered
	}
	copy := *e
	return &copy, nil
}

// IsRegistered reports whether name has an entry.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Count returns the number of registered names.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func formatVersion(v uint64) string {
	return strconv.FormatUint(v, 10)
}
