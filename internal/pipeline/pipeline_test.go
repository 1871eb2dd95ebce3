package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"dexgrid/internal/accountant"
	"dexgrid/internal/chain"
	"dexgrid/internal/core"
	"dexgrid/internal/fillprocessor"
	"dexgrid/internal/grid"
	"dexgrid/internal/strategy"

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

type fakeClient struct {
	openOrders []core.ChainOrder
	readErr    error
}

func (f *fakeClient) GetFullAccount(ctx context.Context, accountID string) ([]core.ChainOrder, core.AccountTotals, error) {
	return f.openOrders, core.AccountTotals{}, f.readErr
}
func (f *fakeClient) GetLimitOrders(ctx context.Context, baseAssetID, quoteAssetID string, depth int) ([]core.ChainOrder, error) {
	return nil, f.readErr
}
func (f *fakeClient) GetAssets(ctx context.Context, ids []string) ([]core.Asset, error) {
	return nil, nil
}
func (f *fakeClient) LookupAssetSymbols(ctx context.Context, symbols []string) ([]core.Asset, error) {
	return nil, nil
}
func (f *fakeClient) Broadcast(ctx context.Context, accountID string, idempotencyKey string, ops []core.ChainOp) (core.BatchResult, error) {
	return core.BatchResult{}, nil
}
func (f *fakeClient) SubscribeAccountHistory(ctx context.Context, accountID string, sinceHistoryID string) (<-chan core.FillEvent, error) {
	return nil, nil
}

func newTestBot(t *testing.T) *Bot {
	master := grid.NewMasterGrid(0, map[string]core.Slot{})
	assets := map[string]core.Asset{"1.3.0": {ID: "1.3.0", Precision: 5}, "1.3.1": {ID: "1.3.1", Precision: 5}}
	acct := accountant.New(decimal.RequireFromString("0.001"), decimal.RequireFromString("3"), decimal.RequireFromString("0.01"))
	adapter := chain.New(chain.Config{}, &fakeClient{}, nil, stubLogger{})
	fp := fillprocessor.New(nil, acct, stubLogger{}, time.Hour, 2)
	cfg := Config{BotKey: "bot-a", AccountID: "1.2.3", BuyAssetID: "1.3.0", SellAssetID: "1.3.1", Strategy: strategy.Config{ActiveOrdersBuy: 2, ActiveOrdersSell: 2, IncrementPercent: decimal.RequireFromString("0.01")}}
	return New(cfg, master, assets, acct, adapter, fp, nil, nil, nil, stubLogger{})
}

func TestMaintenanceTickDefersWhenBusy(t *testing.T) {
	b := newTestBot(t)
	b.mu.Lock()
	b.broadcasting = true
	b.mu.Unlock()

	err := b.MaintenanceTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNormal, b.State())
}

func TestSignalIllegalStateTriggersRecoveryAndCooldown(t *testing.T) {
	b := newTestBot(t)
	b.SignalIllegalState()

	err := b.MaintenanceTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b.cfg.CooldownTicks, b.cooldownTicks)
}

func TestCooldownTicksDeferOnePass(t *testing.T) {
	b := newTestBot(t)
	b.cooldownTicks = 1
	require.NoError(t, b.MaintenanceTick(context.Background()))
	assert.Equal(t, 0, b.cooldownTicks)
}

func TestCommitGuardRejectsOccupiedSlot(t *testing.T) {
	b := newTestBot(t)
	b.master = grid.NewMasterGrid(0, map[string]core.Slot{
		"slot-buy-0": {ID: "slot-buy-0", Type: core.SlotBuy, State: core.SlotActive, Price: decimal.RequireFromString("10"), Size: decimal.RequireFromString("1"), OrderID: "1.7.1"},
	})
	working := grid.NewWorkingGrid(b.master)
	diff := strategy.DiffResult{Actions: []core.Action{
		{Kind: core.ActionCreate, SlotID: "slot-buy-0", Type: core.SlotBuy, Price: decimal.RequireFromString("10"), Size: decimal.RequireFromString("1")},
	}}
	err := b.commitGuard(working, diff)
	assert.Error(t, err)
}

func TestCommitGuardRejectsInsufficientFunds(t *testing.T) {
	b := newTestBot(t)
	working := grid.NewWorkingGrid(b.master)
	diff := strategy.DiffResult{Actions: []core.Action{
		{Kind: core.ActionCreate, SlotID: "slot-buy-0", Type: core.SlotBuy, Price: decimal.RequireFromString("10"), Size: decimal.RequireFromString("100")},
	}}
	err := b.commitGuard(working, diff)
	assert.Error(t, err)
}

func TestCommitGuardAcceptsAndReservesVirtual(t *testing.T) {
	b := newTestBot(t)
	b.acct.SetAccountTotals(decimal.RequireFromString("1000"), decimal.RequireFromString("1000"))
	working := grid.NewWorkingGrid(b.master)
	diff := strategy.DiffResult{Actions: []core.Action{
		{Kind: core.ActionCreate, SlotID: "slot-buy-0", Type: core.SlotBuy, Price: decimal.RequireFromString("10"), Size: decimal.RequireFromString("5")},
	}}
	require.NoError(t, b.commitGuard(working, diff))
	assert.True(t, b.acct.Available(accountant.SideBuy, false).Equal(decimal.RequireFromString("995")))
}

func TestRotationFallbackRecheckConvertsToCreateWhenOrderAbsent(t *testing.T) {
	b := newTestBot(t)
	a := core.Action{Kind: core.ActionUpdate, SlotID: "slot-1", Type: core.SlotBuy, OrderID: "1.7.9", NewPrice: decimal.RequireFromString("9"), NewSize: decimal.RequireFromString("1")}
	resolved := b.rotationFallbackRecheck(context.Background(), a)
	assert.Equal(t, core.ActionCreate, resolved.Kind)
}

func TestRotationFallbackRecheckDefersOnReadError(t *testing.T) {
	b := newTestBot(t)
	b.adapter = chain.New(chain.Config{}, &fakeClient{readErr: errors.New("rpc down")}, nil, stubLogger{})
	a := core.Action{Kind: core.ActionUpdate, SlotID: "slot-1", Type: core.SlotBuy, OrderID: "1.7.9"}
	resolved := b.rotationFallbackRecheck(context.Background(), a)
	assert.Equal(t, core.ActionCancel, resolved.Kind, "a failed recheck must defer, signaled as the skip sentinel")
}

func TestEnqueueFillAppendsToQueue(t *testing.T) {
	b := newTestBot(t)
	b.EnqueueFill(core.FillEvent{OrderID: "1.7.1"})
	assert.Len(t, b.incomingFillQueue, 1)
}
