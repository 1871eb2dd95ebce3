// Package mock provides deterministic in-memory fakes for core's external
// collaborator interfaces: a self-contained in-process account and order
// book with no real network calls, for `--chain mock` demonstration runs
// of cmd/gridbot where no real chain RPC endpoint is configured.
package mock

import (
	"context"
	"fmt"
	"sync"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
)

// ChainClient implements core.IChainClient entirely in memory: broadcasts
// never return an error and credit/debit a simulated account, though an
// individual op can still fail in its OpResult.
type ChainClient struct {
	mu          sync.Mutex
	seller      string
	orders      map[core.ChainId]core.ChainOrder
	nextOrderID int64
	balances    map[string]int64
	assets      map[string]core.Asset
	fills       chan core.FillEvent
}

// NewChainClient seeds a mock account with balances and known assets.
func NewChainClient(seller string, balances map[string]int64, assets map[string]core.Asset) *ChainClient {
	return &ChainClient{
		seller:      seller,
		orders:      make(map[core.ChainId]core.ChainOrder),
		nextOrderID: 1,
		balances:    balances,
		assets:      assets,
		fills:       make(chan core.FillEvent, 64),
	}
}

func (c *ChainClient) GetFullAccount(ctx context.Context, accountID string) ([]core.ChainOrder, core.AccountTotals, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]core.ChainOrder, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	return out, core.AccountTotals{}, nil
}

func (c *ChainClient) GetLimitOrders(ctx context.Context, baseAssetID, quoteAssetID string, depth int) ([]core.ChainOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]core.ChainOrder, 0, len(c.orders))
	for _, o := range c.orders {
		if o.SellAssetID == baseAssetID || o.SellAssetID == quoteAssetID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *ChainClient) GetAssets(ctx context.Context, ids []string) ([]core.Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]core.Asset, 0, len(ids))
	for _, id := range ids {
		if a, ok := c.assets[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *ChainClient) LookupAssetSymbols(ctx context.Context, symbols []string) ([]core.Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]core.Asset, 0, len(symbols))
	for _, sym := range symbols {
		for _, a := range c.assets {
			if a.Symbol == sym {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// Broadcast applies every op against the simulated account in order,
// rejecting an op whose seller does not have sufficient balance rather than
// failing the whole batch.
func (c *ChainClient) Broadcast(ctx context.Context, accountID string, idempotencyKey string, ops []core.ChainOp) (core.BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := core.BatchResult{Success: true, OperationResults: make([]core.OpResult, len(ops))}
	for i, op := range ops {
		switch {
		case op.Create != nil:
			result.OperationResults[i] = c.applyCreateLocked(op.Create)
		case op.Update != nil:
			result.OperationResults[i] = c.applyUpdateLocked(op.Update)
		case op.Cancel != nil:
			result.OperationResults[i] = c.applyCancelLocked(op.Cancel)
		default:
			result.OperationResults[i] = core.OpResult{Success: false, Err: fmt.Errorf("mock: empty chain op")}
		}
	}
	return result, nil
}

func (c *ChainClient) applyCreateLocked(op *core.CreateOp) core.OpResult {
	if c.balances[op.SellAssetID] < op.AmountToSell {
		return core.OpResult{Success: false, Err: fmt.Errorf("mock: insufficient %s balance", op.SellAssetID)}
	}
	c.balances[op.SellAssetID] -= op.AmountToSell

	id := core.ChainId(fmt.Sprintf("1.7.%d", c.nextOrderID))
	c.nextOrderID++
	c.orders[id] = core.ChainOrder{
		ID:            id,
		Seller:        op.Seller,
		SellAssetID:   op.SellAssetID,
		SellAmount:    op.AmountToSell,
		ReceiveAsset:  op.ReceiveAssetID,
		ReceiveAmount: op.MinToReceive,
		Expiration:    op.Expiration,
	}
	return core.OpResult{Success: true, OrderID: id}
}

func (c *ChainClient) applyUpdateLocked(op *core.UpdateOp) core.OpResult {
	existing, ok := c.orders[op.Order]
	if !ok {
		return core.OpResult{Success: false, Err: fmt.Errorf("mock: order not found: %s", op.Order)}
	}
	existing.SellAmount = op.NewBaseAmount
	existing.ReceiveAmount = op.NewQuoteAmount
	c.orders[op.Order] = existing
	return core.OpResult{Success: true, OrderID: op.Order}
}

func (c *ChainClient) applyCancelLocked(op *core.CancelOp) core.OpResult {
	existing, ok := c.orders[op.Order]
	if !ok {
		return core.OpResult{Success: false, Err: fmt.Errorf("mock: order not found: %s", op.Order)}
	}
	c.balances[existing.SellAssetID] += existing.SellAmount
	delete(c.orders, op.Order)
	return core.OpResult{Success: true}
}

// SubscribeAccountHistory returns a channel fed only by test/demo code
// injecting fills via Fill; the mock never fills orders on its own.
func (c *ChainClient) SubscribeAccountHistory(ctx context.Context, accountID string, sinceHistoryID string) (<-chan core.FillEvent, error) {
	return c.fills, nil
}

// Fill injects a synthetic fill event for demonstration/testing.
func (c *ChainClient) Fill(ev core.FillEvent) {
	c.fills <- ev
}

// PriceSource implements core.IPriceSource with a fixed or steppable price,
// standing in for a real market-data feed.
type PriceSource struct {
	mu    sync.Mutex
	price decimal.Decimal
}

// NewPriceSource returns a PriceSource pinned at initial.
func NewPriceSource(initial decimal.Decimal) *PriceSource {
	return &PriceSource{price: initial}
}

func (p *PriceSource) GetPrice(ctx context.Context, pairID string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, nil
}

// SetPrice updates the pinned price, useful for simulating market moves.
func (p *PriceSource) SetPrice(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

// Signer implements core.ISigner as a no-op passthrough; real key custody
// lives outside this process entirely.
type Signer struct{}

func (Signer) Sign(tx any, key string) (any, error) {
	return tx, nil
}

// FeeSource implements feecache.AssetFeeSource with fixed percentages and
// flat operation costs, standing in for the real fee-schedule collaborator
// the chain RPC would otherwise expose.
type FeeSource struct {
	MarketPercent decimal.Decimal
	TakerPercent  decimal.Decimal
	CreateFee     int64
	UpdateFee     int64
	CancelFee     int64
}

// NewFeeSource returns a FeeSource with conservative defaults.
func NewFeeSource() *FeeSource {
	return &FeeSource{
		MarketPercent: decimal.RequireFromString("0.001"),
		TakerPercent:  decimal.RequireFromString("0.002"),
		CreateFee:     1000,
		UpdateFee:     1000,
		CancelFee:     500,
	}
}

func (f *FeeSource) GetAssetFeePercent(ctx context.Context, assetID core.ChainId) (market, taker decimal.Decimal, err error) {
	return f.MarketPercent, f.TakerPercent, nil
}

func (f *FeeSource) GetOperationFees(ctx context.Context, networkFeeAssetID core.ChainId) (create, update, cancel int64, err error) {
	return f.CreateFee, f.UpdateFee, f.CancelFee, nil
}
