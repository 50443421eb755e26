// Package calc converts driving-data samples into carbon-reduction
// figures and holds them pending until a verifier decides them.
//
// The reduction follows the national-standard methodology: emissions
// avoided by not burning fuel for the driven distance, minus the
// emissions attributable to the electricity consumed, floored at zero.
package calc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/fixed"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
	"github.com/evergrid-labs/carbonledger/pkg/vehicle"
)

// Status is the verification state of a calculation.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusRejected Status = "REJECTED"
)

// Record is one pending-or-decided carbon-reduction figure.
type Record struct {
	ID              string       `json:"id"`
	VIN             string       `json:"vin"`
	PeriodDate      string       `json:"period_date"`
	Mileage         fixed.Amount `json:"mileage"`
	EnergyConsumed  fixed.Amount `json:"energy_consumed"`
	CarbonReduction fixed.Amount `json:"carbon_reduction"`
	Status          Status       `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Factors are the engine parameters, exposed so display layers read the
// same authoritative values the engine computes with.
type Factors struct {
	// GridEmissionFactor is kg CO2 emitted per kWh of grid electricity.
	GridEmissionFactor fixed.Amount `json:"grid_emission_factor"`
	// FuelComparisonFactor is kg CO2 a comparable fuel vehicle emits per km.
	FuelComparisonFactor fixed.Amount `json:"fuel_comparison_factor"`
}

// DefaultFactors returns the published baseline parameters.
func DefaultFactors() Factors {
	return Factors{
		GridEmissionFactor:   fixed.MustParse("0.8547"),
		FuelComparisonFactor: fixed.MustParse("0.196"),
	}
}

// ErrInvalidSample is returned when mileage or energy is negative.
var ErrInvalidSample = errors.New("mileage and energy must be non-negative")

// Engine records and decides carbon-reduction calculations.
type Engine struct {
	mu        sync.RWMutex
	records   map[string]*Record
	byVehicle map[string][]string
	factors   Factors

	authz  accesscontrol.Authorizer
	dir    vehicle.Directory
	obs    observation.Log
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewEngine creates an engine with the given parameters.
func NewEngine(authz accesscontrol.Authorizer, dir vehicle.Directory, obs observation.Log, factors Factors) *Engine {
	return &Engine{
		records:   make(map[string]*Record),
		byVehicle: make(map[string][]string),
		factors:   factors,
		authz:     authz,
		dir:       dir,
		obs:       obs,
		logger:    slog.Default().With("component", "calc"),
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Calculate records a new pending calculation for a known vehicle.
// Requires the Calculator role.
func (e *Engine) Calculate(ctx context.Context, caller auth.Principal, vin, periodDate string, mileage, energy fixed.Amount) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.authz.Has(accesscontrol.RoleCalculator, caller) {
		return "", errdefs.ErrUnauthorized
	}
	if !e.dir.Exists(vin) {
		return "", errdefs.ErrNotFound
	}
	if mileage.IsNegative() || energy.IsNegative() {
		return "", ErrInvalidSample
	}

	avoided := mileage.MulRate(e.factors.FuelComparisonFactor)
	emitted := energy.MulRate(e.factors.GridEmissionFactor)
	reduction := fixed.Max(fixed.Zero, avoided.Sub(emitted))

	r := &Record{
		ID:              e.newID(),
		VIN:             vin,
		PeriodDate:      periodDate,
		Mileage:         mileage,
		EnergyConsumed:  energy,
		CarbonReduction: reduction,
		Status:          StatusPending,
		CreatedAt:       e.clock().UTC(),
	}
	// Observation first; a failed append stores no record.
	_, err := e.obs.Append(ctx, observation.KindCalculationRecorded, caller.String(), map[string]string{
		"calculation_id":   r.ID,
		"vin":              vin,
		"period_date":      periodDate,
		"mileage":          mileage.String(),
		"energy_consumed":  energy.String(),
		"carbon_reduction": reduction.String(),
	})
	if err != nil {
		return "", err
	}

	e.records[r.ID] = r
	e.byVehicle[vin] = append(e.byVehicle[vin], r.ID)

	e.logger.Info("calculation recorded",
		"calculation_id", r.ID, "vin", vin, "carbon_reduction", reduction.String())
	return r.ID, nil
}

// Verify transitions a pending calculation to Verified. Admin only,
// one-way, never reversed.
func (e *Engine) Verify(ctx context.Context, caller auth.Principal, id string) error {
	return e.decide(ctx, caller, id, StatusVerified, observation.KindCalculationVerified)
}

// Reject transitions a pending calculation to Rejected. Admin only,
// one-way, never reversed.
func (e *Engine) Reject(ctx context.Context, caller auth.Principal, id string) error {
	return e.decide(ctx, caller, id, StatusRejected, observation.KindCalculationRejected)
}

func (e *Engine) decide(ctx context.Context, caller auth.Principal, id string, to Status, kind observation.Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.authz.Has(accesscontrol.RoleAdmin, caller) {
		return errdefs.ErrUnauthorized
	}
	r, ok := e.records[id]
	if !ok {
		return errdefs.ErrNotFound
	}
	if r.Status != StatusPending {
		return errdefs.ErrAlreadyDecided
	}

	// Observation first; a failed append leaves the calculation pending.
	_, err := e.obs.Append(ctx, kind, caller.String(), map[string]string{
		"calculation_id": id,
		"vin":            r.VIN,
	})
	if err != nil {
		return err
	}

	r.Status = to

	e.logger.Info("calculation decided", "calculation_id", id, "status", string(to))
	return nil
}

// Get returns a calculation by id.
func (e *Engine) Get(id string) (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.records[id]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	copy := *r
	return &copy, nil
}

// VehicleCalculationIDs returns the ids recorded for a vehicle, oldest
// first.
func (e *Engine) VehicleCalculationIDs(vin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := e.byVehicle[vin]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Factors returns the current engine parameters.
func (e *Engine) Factors() Factors {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.factors
}

// SetGridEmissionFactor updates the grid parameter. Admin only.
func (e *Engine) SetGridEmissionFactor(ctx context.Context, caller auth.Principal, v fixed.Amount) error {
	return e.setFactor(ctx, caller, "grid_emission_factor", v, func(f *Factors) { f.GridEmissionFactor = v })
}

// SetFuelComparisonFactor updates the fuel parameter. Admin only.
func (e *Engine) SetFuelComparisonFactor(ctx context.Context, caller auth.Principal, v fixed.Amount) error {
	return e.setFactor(ctx, caller, "fuel_comparison_factor", v, func(f *Factors) { f.FuelComparisonFactor = v })
}

func (e *Engine) setFactor(ctx context.Context, caller auth.Principal, name string, v fixed.Amount, apply func(*Factors)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.authz.Has(accesscontrol.RoleAdmin, caller) {
		return errdefs.ErrUnauthorized
	}
	if v.IsNegative() {
		return ErrInvalidSample
	}

	// Observation first; a failed append keeps the old factor.
	_, err := e.obs.Append(ctx, observation.KindParameterChanged, caller.String(), map[string]string{
		"parameter": name,
		"value":     v.String(),
	})
	if err != nil {
		return err
	}

	apply(&e.factors)

	e.logger.Info("parameter changed", "parameter", name, "value", v.String())
	return nil
}
