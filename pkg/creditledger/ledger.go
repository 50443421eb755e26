// Package creditledger maintains credit balances and the usage history.
// Issued credits land in vehicle balances, move to accounts, move between
// accounts, and leave the system only through recorded usage, so total
// issuance always equals the sum of balances plus usage.
package creditledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/credits"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/fixed"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
)

// UsageRecord is one append-only credit consumption entry.
type UsageRecord struct {
	ID        string         `json:"id"`
	Account   auth.Principal `json:"account"`
	Amount    fixed.Amount   `json:"amount"`
	Purpose   string         `json:"purpose"`
	Timestamp time.Time      `json:"timestamp"`
}

// CreditSource is the slice of the generator the ledger consumes.
type CreditSource interface {
	Get(creditID string) (*credits.Record, error)
	MarkAsIssued(ctx context.Context, caller auth.Principal, creditID string) error
}

// ErrInvalidAmount is returned for zero or negative transfer/usage amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrConservationViolated reports a broken conservation invariant; it can
// only surface through memory corruption or a bug, never through the
// public operations.
var ErrConservationViolated = errors.New("conservation invariant violated")

// Ledger tracks balances, totals and usage records.
type Ledger struct {
	mu              sync.RWMutex
	vehicleBalances map[string]fixed.Amount
	accountBalances map[auth.Principal]fixed.Amount
	totalIssued     fixed.Amount
	totalUsed       fixed.Amount
	usage           map[string]*UsageRecord
	usageOrder      []string
	usageByAccount  map[auth.Principal][]string

	// self is this component's system principal, registered with the
	// generator as its issuer capability.
	self auth.Principal

	authz  accesscontrol.Authorizer
	source CreditSource
	obs    observation.Log
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewLedger creates an empty ledger acting as the given system principal.
func NewLedger(self auth.Principal, authz accesscontrol.Authorizer, source CreditSource, obs observation.Log) *Ledger {
	return &Ledger{
		vehicleBalances: make(map[string]fixed.Amount),
		accountBalances: make(map[auth.Principal]fixed.Amount),
		usage:           make(map[string]*UsageRecord),
		usageByAccount:  make(map[auth.Principal][]string),
		self:            self,
		authz:           authz,
		source:          source,
		obs:             obs,
		logger:          slog.Default().With("component", "creditledger"),
		clock:           time.Now,
		newID:           func() string { return uuid.New().String() },
	}
}

// Principal returns the ledger's own system identity.
func (l *Ledger) Principal() auth.Principal {
	return l.self
}

// Issue moves a generated credit's amount into its vehicle's balance.
// Requires the CreditsManager role; exactly-once per credit.
func (l *Ledger) Issue(ctx context.Context, caller auth.Principal, creditID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authz.Has(accesscontrol.RoleCreditsManager, caller) {
		return errdefs.ErrUnauthorized
	}

	credit, err := l.source.Get(creditID)
	if err != nil {
		return err
	}
	if credit.IsIssued {
		return errdefs.ErrAlreadyIssued
	}

	// Commit the observation before touching any state: the append is the
	// last fallible step, so a failed append leaves the credit unissued
	// and the balances untouched, and the caller may retry. MarkAsIssued
	// cannot fail after the unissued pre-check because the ledger is the
	// generator's designated issuer.
	newBalance := l.vehicleBalances[credit.VIN].Add(credit.Amount)
	_, err = l.obs.Append(ctx, observation.KindCreditsIssued, caller.String(), map[string]string{
		"credit_id":       creditID,
		"vin":             credit.VIN,
		"amount":          credit.Amount.String(),
		"vehicle_balance": newBalance.String(),
	})
	if err != nil {
		return err
	}
	if err := l.source.MarkAsIssued(ctx, l.self, creditID); err != nil {
		return err
	}

	l.vehicleBalances[credit.VIN] = newBalance
	l.totalIssued = l.totalIssued.Add(credit.Amount)

	l.logger.Info("credits issued",
		"credit_id", creditID, "vin", credit.VIN, "amount", credit.Amount.String())
	return nil
}

// TransferFromVehicle debits a vehicle balance and credits an account.
// Requires the CreditsManager role.
func (l *Ledger) TransferFromVehicle(ctx context.Context, caller auth.Principal, vin string, to auth.Principal, amount fixed.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authz.Has(accesscontrol.RoleCreditsManager, caller) {
		return errdefs.ErrUnauthorized
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if l.vehicleBalances[vin].Cmp(amount) < 0 {
		return errdefs.ErrInsufficientVehicleBalance
	}

	// Observation first; a failed append changes nothing.
	_, err := l.obs.Append(ctx, observation.KindVehicleTransfer, caller.String(), map[string]string{
		"vin":    vin,
		"to":     to.String(),
		"amount": amount.String(),
	})
	if err != nil {
		return err
	}

	l.vehicleBalances[vin] = l.vehicleBalances[vin].Sub(amount)
	l.accountBalances[to] = l.accountBalances[to].Add(amount)

	l.logger.Info("credits transferred from vehicle",
		"vin", vin, "to", to.String(), "amount", amount.String())
	return nil
}

// Transfer moves credits between accounts. Any account holder may spend
// their own balance.
func (l *Ledger) Transfer(ctx context.Context, caller auth.Principal, to auth.Principal, amount fixed.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if l.accountBalances[caller].Cmp(amount) < 0 {
		return errdefs.ErrInsufficientAccountBalance
	}

	// Observation first; a failed append changes nothing.
	_, err := l.obs.Append(ctx, observation.KindAccountTransfer, caller.String(), map[string]string{
		"from":   caller.String(),
		"to":     to.String(),
		"amount": amount.String(),
	})
	if err != nil {
		return err
	}

	l.accountBalances[caller] = l.accountBalances[caller].Sub(amount)
	l.accountBalances[to] = l.accountBalances[to].Add(amount)

	l.logger.Info("credits transferred",
		"from", caller.String(), "to", to.String(), "amount", amount.String())
	return nil
}

// Use consumes credits from the caller's balance for a stated purpose and
// appends an immutable usage record.
func (l *Ledger) Use(ctx context.Context, caller auth.Principal, amount fixed.Amount, purpose string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	if l.accountBalances[caller].Cmp(amount) < 0 {
		return "", errdefs.ErrInsufficientAccountBalance
	}

	r := &UsageRecord{
		ID:        l.newID(),
		Account:   caller,
		Amount:    amount,
		Purpose:   purpose,
		Timestamp: l.clock().UTC(),
	}

	// Observation first; a failed append records no usage and leaves the
	// balance intact.
	_, err := l.obs.Append(ctx, observation.KindCreditsUsed, caller.String(), map[string]string{
		"usage_id": r.ID,
		"account":  caller.String(),
		"amount":   amount.String(),
		"purpose":  purpose,
	})
	if err != nil {
		return "", err
	}

	l.accountBalances[caller] = l.accountBalances[caller].Sub(amount)
	l.totalUsed = l.totalUsed.Add(amount)
	l.usage[r.ID] = r
	l.usageOrder = append(l.usageOrder, r.ID)
	l.usageByAccount[caller] = append(l.usageByAccount[caller], r.ID)

	l.logger.Info("credits used",
		"usage_id", r.ID, "account", caller.String(), "amount", amount.String(), "purpose", purpose)
	return r.ID, nil
}

// VehicleBalance returns a vehicle's spendable balance.
func (l *Ledger) VehicleBalance(vin string) fixed.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vehicleBalances[vin]
}

// AccountBalance returns an account's spendable balance.
func (l *Ledger) AccountBalance(p auth.Principal) fixed.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accountBalances[p]
}

// TotalIssued returns the cumulative issued amount.
func (l *Ledger) TotalIssued() fixed.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalIssued
}

// TotalUsed returns the cumulative used amount.
func (l *Ledger) TotalUsed() fixed.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalUsed
}

// Usage returns a usage record by id.
func (l *Ledger) Usage(id string) (*UsageRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.usage[id]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	copy := *r
	return &copy, nil
}

// AccountUsageCount returns how many usage records an account has.
func (l *Ledger) AccountUsageCount(p auth.Principal) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.usageByAccount[p])
}

// AccountUsageID returns the index-th usage id of an account, oldest
// first.
func (l *Ledger) AccountUsageID(p auth.Principal, index int) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.usageByAccount[p]
	if index < 0 || index >= len(ids) {
		return "", errdefs.ErrNotFound
	}
	return ids[index], nil
}

// UsageIDs returns all usage ids in commit order.
func (l *Ledger) UsageIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, len(l.usageOrder))
	copy(out, l.usageOrder)
	return out
}

// CheckConservation audits the conservation law: total issued equals the
// sum of all balances plus all recorded usage.
func (l *Ledger) CheckConservation() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := l.totalUsed
	for _, b := range l.vehicleBalances {
		sum = sum.Add(b)
	}
	for _, b := range l.accountBalances {
		sum = sum.Add(b)
	}
	if sum != l.totalIssued {
		return ErrConservationViolated
	}
	return nil
}
