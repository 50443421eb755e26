// Package vehicle holds the minimal vehicle directory the ledger needs:
// an existence check for a VIN. Registration keeps the few metadata
// fields the fleet onboarding flow supplies; everything else about
// vehicles lives outside this subsystem.
package vehicle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
)

// Directory is the existence check consumed by the calculation engine.
type Directory interface {
	Exists(vin string) bool
}

// Info is the registered metadata for one vehicle.
type Info struct {
	VIN               string    `json:"vin"`
	Model             string    `json:"model"`
	BatteryCapacityWh int64     `json:"battery_capacity_wh"`
	RegisteredAt      time.Time `json:"registered_at"`
}

// ErrAlreadyRegistered is returned when a VIN is registered twice.
var ErrAlreadyRegistered = errors.New("vehicle already registered")

// Registry is an in-memory Directory with VehicleManager-gated writes.
type Registry struct {
	mu       sync.RWMutex
	vehicles map[string]*Info
	authz    accesscontrol.Authorizer
	obs      observation.Log
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRegistry creates an empty vehicle registry.
func NewRegistry(authz accesscontrol.Authorizer, obs observation.Log) *Registry {
	return &Registry{
		vehicles: make(map[string]*Info),
		authz:    authz,
		obs:      obs,
		logger:   slog.Default().With("component", "vehicle"),
		clock:    time.Now,
	}
}

// Register records a vehicle. Requires the VehicleManager role.
func (r *Registry) Register(ctx context.Context, caller auth.Principal, vin, model string, batteryCapacityWh int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.authz.Has(accesscontrol.RoleVehicleManager, caller) {
		return errdefs.ErrUnauthorized
	}
	if _, ok := r.vehicles[vin]; ok {
		return ErrAlreadyRegistered
	}

	// Observation first; a failed append registers nothing.
	_, err := r.obs.Append(ctx, observation.KindVehicleRegistered, caller.String(), map[string]string{
		"vin":   vin,
		"model": model,
	})
	if err != nil {
		return err
	}

	r.vehicles[vin] = &Info{
		VIN:               vin,
		Model:             model,
		BatteryCapacityWh: batteryCapacityWh,
		RegisteredAt:      r.clock().UTC(),
	}

	r.logger.Info("vehicle registered", "vin", vin, "model", model)
	return nil
}

// Exists implements Directory.
func (r *Registry) Exists(vin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.vehicles[vin]
	return ok
}

// Get returns a vehicle's registered metadata.
func (r *Registry) Get(vin string) (*Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.vehicles[vin]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	copy := *info
	return &copy, nil
}
