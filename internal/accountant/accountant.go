// Package accountant tracks chain balances, virtual commitments, and cache
// funds per side, generalizing the balance/commitment bookkeeping in
// trading/position/manager.go and the percentage-divergence-vs-threshold
// pattern in risk/reconciler.go's reconcilePositions to the grid's
// per-side fund model.
package accountant

import (
	"sync"

	apperrors "dexgrid/pkg/errors"

	"github.com/shopspring/decimal"
)

// Side identifies a trading pair's buy-home or sell-home asset.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

type funds struct {
	chainFree decimal.Decimal
	virtual   decimal.Decimal
	cache     decimal.Decimal
}

// Accountant is the single source of truth for a bot's fund state.
// Every state transition recomputes `available` under mu.
type Accountant struct {
	mu sync.RWMutex

	bySide       map[Side]*funds
	btsFeesOwed  decimal.Decimal
	btsReserveMultiplier decimal.Decimal
	btsFallbackFee       decimal.Decimal

	driftTolerancePercent decimal.Decimal
	needsRecoverySync     bool
}

// New creates an Accountant with zeroed balances for both sides.
func New(driftTolerancePercent, btsReserveMultiplier, btsFallbackFee decimal.Decimal) *Accountant {
	return &Accountant{
		bySide: map[Side]*funds{
			SideBuy:  {chainFree: decimal.Zero, virtual: decimal.Zero, cache: decimal.Zero},
			SideSell: {chainFree: decimal.Zero, virtual: decimal.Zero, cache: decimal.Zero},
		},
		btsReserveMultiplier:  btsReserveMultiplier,
		btsFallbackFee:        btsFallbackFee,
		driftTolerancePercent: driftTolerancePercent,
	}
}

// SetAccountTotals absorbs a fresh chain snapshot for both sides.
func (a *Accountant) SetAccountTotals(buyFree, sellFree decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bySide[SideBuy].chainFree = buyFree
	a.bySide[SideSell].chainFree = sellFree
}

// AddToChainFree advances a side's optimistic chain balance by delta,
// typically on an observed fill before the next full account sync lands.
func (a *Accountant) AddToChainFree(side Side, delta decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bySide[side].chainFree = a.bySide[side].chainFree.Add(delta)
}

// ModifyCacheFunds adjusts a side's unallocated residue. reason is not
// recorded or logged.
func (a *Accountant) ModifyCacheFunds(side Side, delta decimal.Decimal, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bySide[side].cache = a.bySide[side].cache.Add(delta)
}

// SetVirtual overwrites a side's committed-to-orders amount, called after a
// plan recomputes what's tied up in ACTIVE/PARTIAL orders plus in-flight
// broadcasts.
func (a *Accountant) SetVirtual(side Side, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bySide[side].virtual = amount
}

// AddVirtual reserves an additional amount against a side's committed-to-
// orders total, used by the commit guard to deduct funds the instant a
// CREATE is staged onto the working grid rather than waiting for the batch
// to settle.
func (a *Accountant) AddVirtual(side Side, delta decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bySide[side].virtual = a.bySide[side].virtual.Add(delta)
}

// SetBtsFeesOwed overwrites the accrued network-fee-asset reserve.
func (a *Accountant) SetBtsFeesOwed(v decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.btsFeesOwed = v
}

// Available returns max(0, chainFree - virtual - btsReservation) for side.
// isBtsSide marks the side carrying the network-fee asset, which also
// reserves btsFeesOwed plus a configured multiplier of the fallback fee.
func (a *Accountant) Available(side Side, isBtsSide bool) decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.availableLocked(side, isBtsSide)
}

func (a *Accountant) availableLocked(side Side, isBtsSide bool) decimal.Decimal {
	f := a.bySide[side]
	avail := f.chainFree.Sub(f.virtual)
	if isBtsSide {
		reservation := a.btsFallbackFee.Mul(a.btsReserveMultiplier)
		avail = avail.Sub(a.btsFeesOwed).Sub(reservation)
	}
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// CacheFunds returns the current unallocated residue for side.
func (a *Accountant) CacheFunds(side Side) decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bySide[side].cache
}

// ChainFree returns the last-known chain balance for side.
func (a *Accountant) ChainFree(side Side) decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bySide[side].chainFree
}

// NeedsRecoverySync reports whether a prior drift check exceeded tolerance
// and a full chain resync is pending.
func (a *Accountant) NeedsRecoverySync() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.needsRecoverySync
}

// ClearRecoverySync resets the flag once a sync has completed.
func (a *Accountant) ClearRecoverySync() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.needsRecoverySync = false
}

// CheckFundDriftAfterFills is the self-healing layer: it compares the
// actual chain balance against what fills+allocations predicted, and
// requests a recovery sync once the drift exceeds
// max(10^-precision, driftTolerancePercent * actual).
func (a *Accountant) CheckFundDriftAfterFills(side Side, actual, expected decimal.Decimal, precision uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	drift := actual.Sub(expected).Abs()
	minUnit := decimal.New(1, -int32(precision))
	pctTolerance := actual.Abs().Mul(a.driftTolerancePercent)
	tolerance := minUnit
	if pctTolerance.GreaterThan(tolerance) {
		tolerance = pctTolerance
	}

	if drift.GreaterThan(tolerance) {
		a.needsRecoverySync = true
		return apperrors.New(apperrors.AccountingDrift, "check_fund_drift_after_fills", nil)
	}
	return nil
}
