// Package node assembles the carbon-ledger component graph and
// serializes mutations so the externally observable history is a total
// order.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/calc"
	"github.com/evergrid-labs/carbonledger/pkg/creditledger"
	"github.com/evergrid-labs/carbonledger/pkg/credits"
	"github.com/evergrid-labs/carbonledger/pkg/fixed"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
	"github.com/evergrid-labs/carbonledger/pkg/registry"
	"github.com/evergrid-labs/carbonledger/pkg/vehicle"
)

// DefaultLedgerPrincipal is the system identity the ledger acts under
// when flipping credits to issued.
const DefaultLedgerPrincipal = auth.Principal("system:credit-ledger")

// Component names under which the graph registers itself.
const (
	ComponentAccessControl = "AccessControl"
	ComponentVehicles      = "VehicleDirectory"
	ComponentEngine        = "CarbonCalculationEngine"
	ComponentGenerator     = "CreditsGenerator"
	ComponentLedger        = "CreditsLedger"
)

// Options configures a Node. Zero values get sensible defaults except
// GenesisAdmin, which is required.
type Options struct {
	GenesisAdmin    auth.Principal
	LedgerPrincipal auth.Principal
	Factors         calc.Factors
	ConversionRate  fixed.Amount
	Observations    observation.Log
	Logger          *slog.Logger
}

// Node owns one fully wired component graph. All mutating operations go
// through the commit guard; reads hit the components directly.
type Node struct {
	// commitMu serializes mutations across components so that the
	// issue path (ledger -> generator) is never interleaved with
	// another mutation.
	commitMu sync.Mutex

	access    *accesscontrol.Registry
	vehicles  *vehicle.Registry
	engine    *calc.Engine
	generator *credits.Generator
	ledger    *creditledger.Ledger
	contracts *registry.Registry
	obs       observation.Log
	logger    *slog.Logger
}

// New builds the component graph, grants the ledger's system principal
// its issuing capability, and registers every component at version 1.
func New(opts Options) (*Node, error) {
	if opts.GenesisAdmin == auth.Nobody {
		return nil, fmt.Errorf("node: genesis admin required")
	}
	if opts.LedgerPrincipal == auth.Nobody {
		opts.LedgerPrincipal = DefaultLedgerPrincipal
	}
	if opts.Factors == (calc.Factors{}) {
		opts.Factors = calc.DefaultFactors()
	}
	if opts.ConversionRate == fixed.Zero {
		opts.ConversionRate = credits.DefaultConversionRate()
	}
	if opts.Observations == nil {
		opts.Observations = observation.NewMemoryLog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	obs := opts.Observations
	access := accesscontrol.NewRegistry(opts.GenesisAdmin, obs)
	vehicles := vehicle.NewRegistry(access, obs)
	engine := calc.NewEngine(access, vehicles, obs, opts.Factors)
	generator := credits.NewGenerator(access, engine, obs, opts.ConversionRate)
	ledger := creditledger.NewLedger(opts.LedgerPrincipal, access, generator, obs)

	ctx := context.Background()
	admin := opts.GenesisAdmin

	// The ledger flips credits to issued under its own principal, so it
	// both holds the manager role and is the generator's designated
	// issuer.
	if err := access.Grant(ctx, admin, accesscontrol.RoleCreditsManager, opts.LedgerPrincipal); err != nil {
		return nil, fmt.Errorf("node: grant ledger principal: %w", err)
	}
	if err := generator.SetIssuer(ctx, admin, opts.LedgerPrincipal); err != nil {
		return nil, fmt.Errorf("node: set issuer: %w", err)
	}

	contracts := registry.NewRegistry(access, obs)
	for name, locator := range map[string]string{
		ComponentAccessControl: "internal:accesscontrol",
		ComponentVehicles:      "internal:vehicle",
		ComponentEngine:        "internal:calc",
		ComponentGenerator:     "internal:credits",
		ComponentLedger:        "internal:creditledger",
	} {
		if err := contracts.Register(ctx, admin, name, locator, 1); err != nil {
			return nil, fmt.Errorf("node: register %s: %w", name, err)
		}
	}

	n := &Node{
		access:    access,
		vehicles:  vehicles,
		engine:    engine,
		generator: generator,
		ledger:    ledger,
		contracts: contracts,
		obs:       obs,
		logger:    opts.Logger.With("component", "node"),
	}
	n.logger.Info("node assembled",
		"genesis_admin", string(admin),
		"ledger_principal", string(opts.LedgerPrincipal))
	return n, nil
}

// Access returns the role registry for read-side queries.
func (n *Node) Access() *accesscontrol.Registry { return n.access }

// Vehicles returns the vehicle directory for read-side queries.
func (n *Node) Vehicles() *vehicle.Registry { return n.vehicles }

// Engine returns the calculation engine for read-side queries.
func (n *Node) Engine() *calc.Engine { return n.engine }

// Generator returns the credits generator for read-side queries.
func (n *Node) Generator() *credits.Generator { return n.generator }

// Ledger returns the credits ledger for read-side queries.
func (n *Node) Ledger() *creditledger.Ledger { return n.ledger }

// Contracts returns the component registry for read-side queries.
func (n *Node) Contracts() *registry.Registry { return n.contracts }

// Observations returns the shared observation log.
func (n *Node) Observations() observation.Log { return n.obs }

// Grant grants a role. Admin only.
func (n *Node) Grant(ctx context.Context, caller auth.Principal, role accesscontrol.Role, p auth.Principal) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.access.Grant(ctx, caller, role, p)
}

// Revoke revokes a role. Admin only.
func (n *Node) Revoke(ctx context.Context, caller auth.Principal, role accesscontrol.Role, p auth.Principal) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.access.Revoke(ctx, caller, role, p)
}

// RegisterVehicle adds a vehicle to the directory.
func (n *Node) RegisterVehicle(ctx context.Context, caller auth.Principal, vin, model string, batteryCapacityWh int64) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.vehicles.Register(ctx, caller, vin, model, batteryCapacityWh)
}

// Calculate records a carbon-reduction calculation for a vehicle.
func (n *Node) Calculate(ctx context.Context, caller auth.Principal, vin, periodDate string, mileage, energy fixed.Amount) (string, error) {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.engine.Calculate(ctx, caller, vin, periodDate, mileage, energy)
}

// Verify marks a pending calculation verified.
func (n *Node) Verify(ctx context.Context, caller auth.Principal, calculationID string) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.engine.Verify(ctx, caller, calculationID)
}

// Reject marks a pending calculation rejected.
func (n *Node) Reject(ctx context.Context, caller auth.Principal, calculationID string) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.engine.Reject(ctx, caller, calculationID)
}

// Generate creates the credit for a verified calculation.
func (n *Node) Generate(ctx context.Context, caller auth.Principal, calculationID string) (string, error) {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.generator.Generate(ctx, caller, calculationID)
}

// Issue moves a generated credit onto its vehicle's balance.
func (n *Node) Issue(ctx context.Context, caller auth.Principal, creditID string) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.ledger.Issue(ctx, caller, creditID)
}

// TransferFromVehicle moves credits from a vehicle balance to an account.
func (n *Node) TransferFromVehicle(ctx context.Context, caller auth.Principal, vin string, to auth.Principal, amount fixed.Amount) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.ledger.TransferFromVehicle(ctx, caller, vin, to, amount)
}

// Transfer moves credits between account balances.
func (n *Node) Transfer(ctx context.Context, caller auth.Principal, to auth.Principal, amount fixed.Amount) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.ledger.Transfer(ctx, caller, to, amount)
}

// Use retires credits from the caller's account.
func (n *Node) Use(ctx context.Context, caller auth.Principal, amount fixed.Amount, purpose string) (string, error) {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.ledger.Use(ctx, caller, amount, purpose)
}

// SetConversionRate updates the credit conversion rate. Admin only.
func (n *Node) SetConversionRate(ctx context.Context, caller auth.Principal, rate fixed.Amount) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.generator.SetConversionRate(ctx, caller, rate)
}

// SetGridEmissionFactor updates the grid emission factor. Admin only.
func (n *Node) SetGridEmissionFactor(ctx context.Context, caller auth.Principal, v fixed.Amount) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.engine.SetGridEmissionFactor(ctx, caller, v)
}

// SetFuelComparisonFactor updates the fuel comparison factor. Admin only.
func (n *Node) SetFuelComparisonFactor(ctx context.Context, caller auth.Principal, v fixed.Amount) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.engine.SetFuelComparisonFactor(ctx, caller, v)
}

// RegisterContract records or replaces a component registration. Admin only.
func (n *Node) RegisterContract(ctx context.Context, caller auth.Principal, name, locator string, version uint64) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.contracts.Register(ctx, caller, name, locator, version)
}

// UpgradeContract replaces a registration with a strictly newer version.
// Admin only.
func (n *Node) UpgradeContract(ctx context.Context, caller auth.Principal, name, locator string, newVersion uint64) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.contracts.Upgrade(ctx, caller, name, locator, newVersion)
}
