package fillprocessor

import (
	"context"
	"testing"
	"time"

	"dexgrid/internal/accountant"
	"dexgrid/internal/core"
	"dexgrid/internal/feecache"
	"dexgrid/internal/grid"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLogger struct{}

func (stubLogger) Debug(string, ...interface{})                     {}
func (stubLogger) Info(string, ...interface{})                      {}
func (stubLogger) Warn(string, ...interface{})                      {}
func (stubLogger) Error(string, ...interface{})                     {}
func (stubLogger) Fatal(string, ...interface{})                     {}
func (l stubLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l stubLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type fakeFeeSource struct{}

func (fakeFeeSource) GetAssetFeePercent(ctx context.Context, assetID core.ChainId) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}
func (fakeFeeSource) GetOperationFees(ctx context.Context, networkFeeAssetID core.ChainId) (int64, int64, int64, error) {
	return 0, 0, 0, nil
}

func newProcessor(t *testing.T) (*Processor, *accountant.Accountant) {
	fc := feecache.New("1.3.0")
	require.NoError(t, fc.Initialize(context.Background(), []core.ChainId{"1.3.0", "1.3.1"}, fakeFeeSource{}))
	acct := accountant.New(decimal.RequireFromString("0.001"), decimal.RequireFromString("3"), decimal.RequireFromString("0.01"))
	return New(fc, acct, stubLogger{}, time.Hour, 2), acct
}

func assets() map[string]core.Asset {
	return map[string]core.Asset{
		"1.3.0": {ID: "1.3.0", Precision: 5},
		"1.3.1": {ID: "1.3.1", Precision: 5},
	}
}

func TestProcessBatchMatchesByOrderIDAndCredits(t *testing.T) {
	p, acct := newProcessor(t)
	master := grid.NewMasterGrid(0, map[string]core.Slot{
		"slot-1": {ID: "slot-1", Type: core.SlotBuy, State: core.SlotActive, Price: decimal.RequireFromString("10"), Size: decimal.RequireFromString("1"), OrderID: "1.7.5"},
	})

	ev := core.FillEvent{
		OrderID: "1.7.5", BlockNum: 1, HistoryID: "h1",
		PaysAssetID: "1.3.0", PaysAmount: 100000,
		ReceivesAsset: "1.3.1", ReceivesAmt: 1000000,
	}

	res := p.ProcessBatch(context.Background(), master, assets(), "1.3.0", "1.3.1", []core.FillEvent{ev}, true)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "slot-1", res.Matches[0].SlotID)
	assert.True(t, acct.ChainFree(accountant.SideSell).GreaterThan(decimal.Zero))
	assert.Equal(t, -1, res.BoundaryFn(0))

	filled, ok := res.Working.Get("slot-1")
	require.True(t, ok)
	assert.Equal(t, core.SlotVirtual, filled.State)
}

func TestProcessBatchDedupesAcrossCalls(t *testing.T) {
	p, _ := newProcessor(t)
	master := grid.NewMasterGrid(0, map[string]core.Slot{
		"slot-1": {ID: "slot-1", Type: core.SlotBuy, State: core.SlotActive, Price: decimal.RequireFromString("10"), Size: decimal.RequireFromString("1"), OrderID: "1.7.5"},
	})
	ev := core.FillEvent{OrderID: "1.7.5", BlockNum: 1, HistoryID: "h1", PaysAssetID: "1.3.0", PaysAmount: 100000, ReceivesAsset: "1.3.1", ReceivesAmt: 1000000}

	first := p.ProcessBatch(context.Background(), master, assets(), "1.3.0", "1.3.1", []core.FillEvent{ev}, true)
	require.Len(t, first.Matches, 1)

	second := p.ProcessBatch(context.Background(), master, assets(), "1.3.0", "1.3.1", []core.FillEvent{ev}, true)
	assert.Empty(t, second.Matches)
	assert.Empty(t, second.Unmatched)
}

func TestProcessBatchDedupesWithinSameBatch(t *testing.T) {
	p, _ := newProcessor(t)
	master := grid.NewMasterGrid(0, map[string]core.Slot{
		"slot-1": {ID: "slot-1", Type: core.SlotBuy, State: core.SlotActive, Price: decimal.RequireFromString("10"), Size: decimal.RequireFromString("1"), OrderID: "1.7.5"},
	})
	ev := core.FillEvent{OrderID: "1.7.5", BlockNum: 1, HistoryID: "h1", PaysAssetID: "1.3.0", PaysAmount: 100000, ReceivesAsset: "1.3.1", ReceivesAmt: 1000000}

	res := p.ProcessBatch(context.Background(), master, assets(), "1.3.0", "1.3.1", []core.FillEvent{ev, ev}, true)
	assert.Len(t, res.Matches, 1)
}

func TestCleanOldProcessedFillsPrunesByAge(t *testing.T) {
	p, _ := newProcessor(t)
	p.Seed(map[string]time.Time{"stale:1:h": time.Now().Add(-2 * time.Hour)})
	removed := p.CleanOldProcessedFills(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Empty(t, p.Snapshot())
}

func TestCalculatePriceToleranceZeroSize(t *testing.T) {
	tol := CalculatePriceTolerance(decimal.RequireFromString("10"), decimal.Zero, 5, 5)
	assert.True(t, tol.IsZero())
}
