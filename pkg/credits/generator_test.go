package credits_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/calc"
	"github.com/evergrid-labs/carbonledger/pkg/credits"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/fixed"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
	"github.com/evergrid-labs/carbonledger/pkg/vehicle"
)

const (
	admin   = "admin"
	calcSvc = "calc-svc"
	mgr     = "credits-mgr"
	issuer  = "system:credit-ledger"
)

type fixture struct {
	gen    *credits.Generator
	engine *calc.Engine
	obs    *observation.MemoryLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	obs := observation.NewMemoryLog()
	ac := accesscontrol.NewRegistry(admin, obs)
	require.NoError(t, ac.Grant(ctx, admin, accesscontrol.RoleVehicleManager, "fleet-mgr"))
	require.NoError(t, ac.Grant(ctx, admin, accesscontrol.RoleCalculator, calcSvc))
	require.NoError(t, ac.Grant(ctx, admin, accesscontrol.RoleCreditsManager, mgr))

	dir := vehicle.NewRegistry(ac, obs)
	require.NoError(t, dir.Register(ctx, "fleet-mgr", "VIN1", "Model Y", 75000))

	engine := calc.NewEngine(ac, dir, obs, calc.DefaultFactors())
	gen := credits.NewGenerator(ac, engine, obs, credits.DefaultConversionRate())
	require.NoError(t, gen.SetIssuer(ctx, admin, issuer))

	return &fixture{gen: gen, engine: engine, obs: obs}
}

func (f *fixture) verifiedCalculation(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.engine.Calculate(ctx, calcSvc, "VIN1", "2024-01-01",
		fixed.FromUnits(100), fixed.FromUnits(15))
	require.NoError(t, err)
	require.NoError(t, f.engine.Verify(ctx, admin, id))
	return id
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calcID := f.verifiedCalculation(t)

	creditID, err := f.gen.Generate(ctx, mgr, calcID)
	require.NoError(t, err)

	r, err := f.gen.Get(creditID)
	require.NoError(t, err)
	assert.Equal(t, calcID, r.CalculationID)
	assert.Equal(t, "VIN1", r.VIN)
	assert.False(t, r.IsIssued)
	// 6.7795 × 0.05 = 0.338975
	assert.Equal(t, fixed.MustParse("0.338975"), r.Amount)

	mapped, err := f.gen.CreditForCalculation(calcID)
	require.NoError(t, err)
	assert.Equal(t, creditID, mapped)

	assert.Equal(t, []string{creditID}, f.gen.VehicleCreditIDs("VIN1"))
}

func TestGenerateIsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calcID := f.verifiedCalculation(t)

	_, err := f.gen.Generate(ctx, mgr, calcID)
	require.NoError(t, err)

	_, err = f.gen.Generate(ctx, mgr, calcID)
	assert.ErrorIs(t, err, errdefs.ErrAlreadyGenerated)
	assert.Len(t, f.gen.VehicleCreditIDs("VIN1"), 1, "no duplicate credit record")
}

func TestGenerateRequiresVerifiedCalculation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.engine.Calculate(ctx, calcSvc, "VIN1", "2024-01-02",
		fixed.FromUnits(100), fixed.FromUnits(15))
	require.NoError(t, err)

	_, err = f.gen.Generate(ctx, mgr, pending)
	assert.ErrorIs(t, err, errdefs.ErrNotVerified)

	rejected, err := f.engine.Calculate(ctx, calcSvc, "VIN1", "2024-01-03",
		fixed.FromUnits(100), fixed.FromUnits(15))
	require.NoError(t, err)
	require.NoError(t, f.engine.Reject(ctx, admin, rejected))

	_, err = f.gen.Generate(ctx, mgr, rejected)
	assert.ErrorIs(t, err, errdefs.ErrNotVerified)
}

func TestGenerateRequiresCreditsManager(t *testing.T) {
	f := newFixture(t)
	calcID := f.verifiedCalculation(t)

	_, err := f.gen.Generate(context.Background(), calcSvc, calcID)
	assert.ErrorIs(t, err, errdefs.ErrUnauthorized)
}

func TestGenerateUnknownCalculation(t *testing.T) {
	f := newFixture(t)
	_, err := f.gen.Generate(context.Background(), mgr, "nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestMarkAsIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creditID, err := f.gen.Generate(ctx, mgr, f.verifiedCalculation(t))
	require.NoError(t, err)

	// The designated ledger principal may flip issuance without a role.
	require.NoError(t, f.gen.MarkAsIssued(ctx, issuer, creditID))

	r, err := f.gen.Get(creditID)
	require.NoError(t, err)
	assert.True(t, r.IsIssued)

	// One-way.
	assert.ErrorIs(t, f.gen.MarkAsIssued(ctx, issuer, creditID), errdefs.ErrAlreadyIssued)
}

func TestMarkAsIssuedByCreditsManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creditID, err := f.gen.Generate(ctx, mgr, f.verifiedCalculation(t))
	require.NoError(t, err)

	require.NoError(t, f.gen.MarkAsIssued(ctx, mgr, creditID))
}

func TestMarkAsIssuedUnauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creditID, err := f.gen.Generate(ctx, mgr, f.verifiedCalculation(t))
	require.NoError(t, err)

	assert.ErrorIs(t, f.gen.MarkAsIssued(ctx, calcSvc, creditID), errdefs.ErrUnauthorized)
	assert.ErrorIs(t, f.gen.MarkAsIssued(ctx, "", creditID), errdefs.ErrUnauthorized)
}

func TestSetConversionRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, fixed.MustParse("0.05"), f.gen.ConversionRate())

	// Admin only.
	assert.ErrorIs(t, f.gen.SetConversionRate(ctx, mgr, fixed.MustParse("0.06")), errdefs.ErrUnauthorized)

	require.NoError(t, f.gen.SetConversionRate(ctx, admin, fixed.MustParse("0.06")))
	assert.Equal(t, fixed.MustParse("0.06"), f.gen.ConversionRate())

	assert.ErrorIs(t, f.gen.SetConversionRate(ctx, admin, fixed.MustParse("-1")), credits.ErrInvalidRate)
}

func TestRateChangeAffectsOnlyFutureCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.gen.Generate(ctx, mgr, f.verifiedCalculation(t))
	require.NoError(t, err)

	require.NoError(t, f.gen.SetConversionRate(ctx, admin, fixed.MustParse("0.1")))

	second, err := f.gen.Generate(ctx, mgr, f.verifiedCalculation(t))
	require.NoError(t, err)

	r1, err := f.gen.Get(first)
	require.NoError(t, err)
	r2, err := f.gen.Get(second)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("0.338975"), r1.Amount, "existing amounts never change")
	assert.Equal(t, fixed.MustParse("0.67795"), r2.Amount)
}

// deadLog rejects every append, standing in for an unreachable backing store.
type deadLog struct {
	*observation.MemoryLog
}

func (deadLog) Append(context.Context, observation.Kind, string, map[string]string) (*observation.Record, error) {
	return nil, errors.New("observation sink unavailable")
}

func TestGenerateFailedAppendStoresNothing(t *testing.T) {
	ctx := context.Background()
	obs := observation.NewMemoryLog()
	ac := accesscontrol.NewRegistry(admin, obs)
	require.NoError(t, ac.Grant(ctx, admin, accesscontrol.RoleVehicleManager, "fleet-mgr"))
	require.NoError(t, ac.Grant(ctx, admin, accesscontrol.RoleCalculator, calcSvc))
	require.NoError(t, ac.Grant(ctx, admin, accesscontrol.RoleCreditsManager, mgr))
	dir := vehicle.NewRegistry(ac, obs)
	require.NoError(t, dir.Register(ctx, "fleet-mgr", "VIN1", "Model Y", 75000))
	engine := calc.NewEngine(ac, dir, obs, calc.DefaultFactors())

	calcID, err := engine.Calculate(ctx, calcSvc, "VIN1", "2024-01-01",
		fixed.FromUnits(100), fixed.FromUnits(15))
	require.NoError(t, err)
	require.NoError(t, engine.Verify(ctx, admin, calcID))

	gen := credits.NewGenerator(ac, engine, deadLog{MemoryLog: obs}, credits.DefaultConversionRate())
	_, err = gen.Generate(ctx, mgr, calcID)
	require.Error(t, err)
	_, err = gen.CreditForCalculation(calcID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound, "a failed append must not store a credit")
}
