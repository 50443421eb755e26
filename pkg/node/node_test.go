package node

import (
	"context"
	"errors"
	"testing"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/fixed"
)

const admin = auth.Principal("user:admin")

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Options{GenesisAdmin: admin})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestNewRequiresGenesisAdmin(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing genesis admin")
	}
}

func TestNewRegistersComponents(t *testing.T) {
	n := newTestNode(t)

	for _, name := range []string{
		ComponentAccessControl,
		ComponentVehicles,
		ComponentEngine,
		ComponentGenerator,
		ComponentLedger,
	} {
		e, err := n.Contracts().Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", name, err)
		}
		if e.Version != 1 {
			t.Errorf("%s version = %d, want 1", name, e.Version)
		}
	}
	if got := n.Contracts().Count(); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}
}

func TestNewGrantsLedgerPrincipal(t *testing.T) {
	n := newTestNode(t)

	if !n.Access().Has(accesscontrol.RoleCreditsManager, DefaultLedgerPrincipal) {
		t.Error("ledger principal should hold the credits manager role")
	}
	if got := n.Ledger().Principal(); got != DefaultLedgerPrincipal {
		t.Errorf("ledger principal = %q, want %q", got, DefaultLedgerPrincipal)
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	manager := auth.Principal("user:fleet")
	calculator := auth.Principal("user:meter")
	buyer := auth.Principal("acct:buyer")

	if err := n.Grant(ctx, admin, accesscontrol.RoleVehicleManager, manager); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := n.Grant(ctx, admin, accesscontrol.RoleCalculator, calculator); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := n.Grant(ctx, admin, accesscontrol.RoleCreditsManager, manager); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	if err := n.RegisterVehicle(ctx, manager, "5YJ3E1EA7KF000001", "Model 3", 60_000); err != nil {
		t.Fatalf("RegisterVehicle: %v", err)
	}

	calcID, err := n.Calculate(ctx, calculator, "5YJ3E1EA7KF000001", "2026-08",
		fixed.MustParse("100"), fixed.MustParse("15"))
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if err := n.Verify(ctx, admin, calcID); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	creditID, err := n.Generate(ctx, manager, calcID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := n.Issue(ctx, manager, creditID); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// 100 km * 0.196 - 15 kWh * 0.8547 = 6.7795 kg, at rate 0.05.
	want := fixed.MustParse("0.338975")
	if got := n.Ledger().VehicleBalance("5YJ3E1EA7KF000001"); got != want {
		t.Fatalf("vehicle balance = %s, want %s", got, want)
	}

	if err := n.TransferFromVehicle(ctx, manager, "5YJ3E1EA7KF000001", buyer, want); err != nil {
		t.Fatalf("TransferFromVehicle: %v", err)
	}
	usageID, err := n.Use(ctx, buyer, fixed.MustParse("0.1"), "offset report Q3")
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if usageID == "" {
		t.Fatal("expected usage id")
	}

	if got := n.Ledger().AccountBalance(buyer); got != fixed.MustParse("0.238975") {
		t.Errorf("account balance = %s", got)
	}
	if err := n.Ledger().CheckConservation(); err != nil {
		t.Errorf("CheckConservation: %v", err)
	}
	if err := n.Observations().Verify(ctx); err != nil {
		t.Errorf("observation chain: %v", err)
	}
}

func TestIssueRequiresManagerThroughNode(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	if err := n.Issue(ctx, auth.Principal("user:nobody"), "credit-1"); !errors.Is(err, errdefs.ErrUnauthorized) {
		t.Fatalf("Issue = %v, want ErrUnauthorized", err)
	}
}

func TestUpgradeContractThroughNode(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	if err := n.UpgradeContract(ctx, admin, ComponentEngine, "internal:calc", 2); err != nil {
		t.Fatalf("UpgradeContract: %v", err)
	}
	e, err := n.Contracts().Resolve(ComponentEngine)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
	if err := n.UpgradeContract(ctx, admin, ComponentEngine, "internal:calc", 2); !errors.Is(err, errdefs.ErrVersionNotIncreasing) {
		t.Errorf("repeat upgrade = %v, want ErrVersionNotIncreasing", err)
	}
}
