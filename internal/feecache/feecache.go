// Package feecache caches per-asset market/taker fee percentages and the
// three network-fee-asset operation fees in pure decimal functions,
// behind a RWMutex guarding the read-mostly lookup.
package feecache

import (
	"context"
	"fmt"
	"sync"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
)

// FeeQuote is the result of quoting a fill's proceeds against an asset's
// cached fee. For the network-fee asset it carries the three structured
// op-fee amounts; for every other asset only Net matters.
type FeeQuote struct {
	Net          decimal.Decimal
	CreateFee    decimal.Decimal
	UpdateFee    decimal.Decimal
	MakerNetFee  decimal.Decimal // refunded on maker fill
	TakerFullFee decimal.Decimal
}

type assetFees struct {
	marketFeePercent decimal.Decimal
	takerFeePercent  decimal.Decimal
}

// FeeCache is pure after Initialize.
type FeeCache struct {
	networkFeeAssetID core.ChainId

	mu          sync.RWMutex
	fees        map[core.ChainId]assetFees
	opFees      map[string]int64 // "create"|"update"|"cancel" -> network-fee-asset integer units
	initialized bool
}

// New creates an empty FeeCache; call Initialize before use.
func New(networkFeeAssetID core.ChainId) *FeeCache {
	return &FeeCache{
		networkFeeAssetID: networkFeeAssetID,
		fees:              make(map[core.ChainId]assetFees),
		opFees:            make(map[string]int64),
	}
}

// AssetFeeSource resolves the fee percentages and op fees a chain client
// exposes; kept as an interface so feecache doesn't import internal/chain.
type AssetFeeSource interface {
	GetAssetFeePercent(ctx context.Context, assetID core.ChainId) (market, taker decimal.Decimal, err error)
	GetOperationFees(ctx context.Context, networkFeeAssetID core.ChainId) (create, update, cancel int64, err error)
}

// Initialize fetches and caches fee data for every asset in pairs plus the
// network-fee asset.
func (c *FeeCache) Initialize(ctx context.Context, pairs []core.ChainId, source AssetFeeSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unique := map[core.ChainId]struct{}{c.networkFeeAssetID: {}}
	for _, id := range pairs {
		unique[id] = struct{}{}
	}

	for id := range unique {
		market, taker, err := source.GetAssetFeePercent(ctx, id)
		if err != nil {
			return fmt.Errorf("feecache: fetch fee percent for %s: %w", id, err)
		}
		c.fees[id] = assetFees{marketFeePercent: market, takerFeePercent: taker}
	}

	create, update, cancel, err := source.GetOperationFees(ctx, c.networkFeeAssetID)
	if err != nil {
		return fmt.Errorf("feecache: fetch operation fees: %w", err)
	}
	c.opFees["create"] = create
	c.opFees["update"] = update
	c.opFees["cancel"] = cancel

	c.initialized = true
	return nil
}

// GetAssetFees quotes amount received on assetID after fees. isMaker only
// affects the network-fee asset's structured quote (maker fees are
// refunded, taker fees are not).
func (c *FeeCache) GetAssetFees(assetID core.ChainId, amount decimal.Decimal, isMaker bool) FeeQuote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fees, ok := c.fees[assetID]
	if !ok {
		return FeeQuote{Net: amount}
	}

	if assetID == c.networkFeeAssetID {
		createFee := decimal.NewFromInt(c.opFees["create"])
		updateFee := decimal.NewFromInt(c.opFees["update"])
		takerFull := amount.Mul(fees.takerFeePercent)
		net := amount
		if !isMaker {
			net = amount.Sub(takerFull)
		}
		return FeeQuote{
			Net:          net,
			CreateFee:    createFee,
			UpdateFee:    updateFee,
			MakerNetFee:  amount,
			TakerFullFee: takerFull,
		}
	}

	net := amount.Mul(decimal.NewFromInt(1).Sub(fees.marketFeePercent))
	return FeeQuote{Net: net}
}

// IsInitialized reports whether Initialize has completed successfully.
func (c *FeeCache) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}
