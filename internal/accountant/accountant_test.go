package accountant

import (
	"testing"

	apperrors "dexgrid/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAvailableRecomputesOnStateChange(t *testing.T) {
	a := New(dec("0.001"), dec("3"), dec("0.01"))
	a.SetAccountTotals(dec("1000"), dec("500"))
	a.SetVirtual(SideBuy, dec("200"))

	assert.True(t, a.Available(SideBuy, false).Equal(dec("800")))

	a.SetVirtual(SideBuy, dec("1200"))
	assert.True(t, a.Available(SideBuy, false).IsZero(), "available must clamp at zero, never negative")
}

func TestAvailableReservesBtsSide(t *testing.T) {
	a := New(dec("0.001"), dec("3"), dec("0.01"))
	a.SetAccountTotals(dec("100"), dec("500"))
	a.SetBtsFeesOwed(dec("2"))

	// reservation = fallbackFee(0.01) * multiplier(3) = 0.03; plus feesOwed 2.
	got := a.Available(SideBuy, true)
	assert.True(t, got.Equal(dec("97.97")), "got %s", got)
}

func TestCheckFundDriftWithinToleranceNoError(t *testing.T) {
	a := New(dec("0.001"), dec("3"), dec("0.01"))
	err := a.CheckFundDriftAfterFills(SideBuy, dec("1000.0001"), dec("1000"), 5)
	assert.NoError(t, err)
	assert.False(t, a.NeedsRecoverySync())
}

func TestCheckFundDriftExceedsToleranceSignalsRecovery(t *testing.T) {
	a := New(dec("0.001"), dec("3"), dec("0.01"))
	err := a.CheckFundDriftAfterFills(SideBuy, dec("1100"), dec("1000"), 5)
	assert.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.AccountingDrift))
	assert.True(t, a.NeedsRecoverySync())

	a.ClearRecoverySync()
	assert.False(t, a.NeedsRecoverySync())
}

func TestAddToChainFreeAdvancesOptimistically(t *testing.T) {
	a := New(dec("0.001"), dec("3"), dec("0.01"))
	a.SetAccountTotals(dec("10"), dec("10"))
	a.AddToChainFree(SideSell, dec("5"))
	assert.True(t, a.ChainFree(SideSell).Equal(dec("15")))
}

func TestModifyCacheFunds(t *testing.T) {
	a := New(dec("0.001"), dec("3"), dec("0.01"))
	a.ModifyCacheFunds(SideBuy, dec("2.5"), "geometric allocation remainder")
	assert.True(t, a.CacheFunds(SideBuy).Equal(dec("2.5")))
}
