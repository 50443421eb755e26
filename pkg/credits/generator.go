// Package credits turns verified carbon-reduction calculations into
// credit records, exactly once per calculation.
package credits

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/calc"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/fixed"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
)

// Record is a credit derived from exactly one verified calculation.
// Amount never changes after creation; IsIssued flips false→true exactly
// once.
type Record struct {
	ID            string       `json:"id"`
	CalculationID string       `json:"calculation_id"`
	VIN           string       `json:"vin"`
	Amount        fixed.Amount `json:"amount"`
	IsIssued      bool         `json:"is_issued"`
	CreatedAt     time.Time    `json:"created_at"`
}

// CalculationSource is the read side of the calculation engine the
// generator consumes.
type CalculationSource interface {
	Get(id string) (*calc.Record, error)
}

// DefaultConversionRate converts kg of carbon reduction into credits.
func DefaultConversionRate() fixed.Amount {
	return fixed.MustParse("0.05")
}

// ErrInvalidRate is returned when a conversion rate is negative.
var ErrInvalidRate = errors.New("conversion rate must be non-negative")

// Generator creates credit records from verified calculations.
type Generator struct {
	mu            sync.RWMutex
	records       map[string]*Record
	byCalculation map[string]string
	byVehicle     map[string][]string
	rate          fixed.Amount

	// issuer is the ledger's system principal, allowed to flip IsIssued
	// without holding a public role.
	issuer auth.Principal

	authz  accesscontrol.Authorizer
	calcs  CalculationSource
	obs    observation.Log
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewGenerator creates a generator with the given conversion rate.
func NewGenerator(authz accesscontrol.Authorizer, calcs CalculationSource, obs observation.Log, rate fixed.Amount) *Generator {
	return &Generator{
		records:       make(map[string]*Record),
		byCalculation: make(map[string]string),
		byVehicle:     make(map[string][]string),
		rate:          rate,
		authz:         authz,
		calcs:         calcs,
		obs:           obs,
		logger:        slog.Default().With("component", "credits"),
		clock:         time.Now,
		newID:         func() string { return uuid.New().String() },
	}
}

// SetIssuer designates the ledger component's principal. Admin only.
func (g *Generator) SetIssuer(ctx context.Context, caller, issuer auth.Principal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.authz.Has(accesscontrol.RoleAdmin, caller) {
		return errdefs.ErrUnauthorized
	}
	g.issuer = issuer
	return nil
}

// Generate creates the credit record for a verified calculation.
// Requires the CreditsManager role; generation is exactly-once per
// calculation.
func (g *Generator) Generate(ctx context.Context, caller auth.Principal, calculationID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.authz.Has(accesscontrol.RoleCreditsManager, caller) {
		return "", errdefs.ErrUnauthorized
	}

	calcRec, err := g.calcs.Get(calculationID)
	if err != nil {
		return "", err
	}
	if calcRec.Status != calc.StatusVerified {
		return "", errdefs.ErrNotVerified
	}
	if _, exists := g.byCalculation[calculationID]; exists {
		return "", errdefs.ErrAlreadyGenerated
	}

	r := &Record{
		ID:            g.newID(),
		CalculationID: calculationID,
		VIN:           calcRec.VIN,
		Amount:        calcRec.CarbonReduction.MulRate(g.rate),
		CreatedAt:     g.clock().UTC(),
	}
	// Observation first; a failed append stores no credit and leaves the
	// calculation generatable.
	_, err = g.obs.Append(ctx, observation.KindCreditsGenerated, caller.String(), map[string]string{
		"credit_id":      r.ID,
		"calculation_id": calculationID,
		"vin":            r.VIN,
		"amount":         r.Amount.String(),
	})
	if err != nil {
		return "", err
	}

	g.records[r.ID] = r
	g.byCalculation[calculationID] = r.ID
	g.byVehicle[r.VIN] = append(g.byVehicle[r.VIN], r.ID)

	g.logger.Info("credits generated",
		"credit_id", r.ID, "calculation_id", calculationID, "vin", r.VIN, "amount", r.Amount.String())
	return r.ID, nil
}

// MarkAsIssued flips a credit to issued. Callable only by the designated
// ledger principal or a CreditsManager holder; one-way.
func (g *Generator) MarkAsIssued(ctx context.Context, caller auth.Principal, creditID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	isIssuer := g.issuer != auth.Nobody && caller == g.issuer
	if !isIssuer && !g.authz.Has(accesscontrol.RoleCreditsManager, caller) {
		return errdefs.ErrUnauthorized
	}

	r, ok := g.records[creditID]
	if !ok {
		return errdefs.ErrNotFound
	}
	if r.IsIssued {
		return errdefs.ErrAlreadyIssued
	}
	r.IsIssued = true
	return nil
}

// SetConversionRate updates the rate applied to future generations.
// Admin only; existing credit amounts are never touched.
func (g *Generator) SetConversionRate(ctx context.Context, caller auth.Principal, rate fixed.Amount) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.authz.Has(accesscontrol.RoleAdmin, caller) {
		return errdefs.ErrUnauthorized
	}
	if rate.IsNegative() {
		return ErrInvalidRate
	}
	// Observation first; a failed append keeps the old rate.
	_, err := g.obs.Append(ctx, observation.KindParameterChanged, caller.String(), map[string]string{
		"parameter": "credits_conversion_rate",
		"value":     rate.String(),
	})
	if err != nil {
		return err
	}
	g.rate = rate

	g.logger.Info("parameter changed", "parameter", "credits_conversion_rate", "value", rate.String())
	return nil
}

// ConversionRate returns the current rate.
func (g *Generator) ConversionRate() fixed.Amount {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rate
}

// Get returns a credit record by id.
func (g *Generator) Get(creditID string) (*Record, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.records[creditID]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	copy := *r
	return &copy, nil
}

// CreditForCalculation returns the credit id generated for a calculation.
func (g *Generator) CreditForCalculation(calculationID string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.byCalculation[calculationID]
	if !ok {
		return "", errdefs.ErrNotFound
	}
	return id, nil
}

// VehicleCreditIDs returns the credit ids generated for a vehicle,
// oldest first.
func (g *Generator) VehicleCreditIDs(vin string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.byVehicle[vin]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
