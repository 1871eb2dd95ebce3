// Package chain builds, broadcasts, and parses on-chain limit-order
// operations: rate limiting, exponential backoff, and OTel instrumentation
// wrap a transaction broadcaster.
// Broadcast idempotency keys use google/uuid, since a chain order has no
// client-assigned id field, only the id the chain itself returns.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dexgrid/internal/core"
	"dexgrid/internal/precision"
	"dexgrid/internal/telemetry"

	apperrors "dexgrid/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config tunes the adapter's throttling and retry behavior.
type Config struct {
	BroadcastsPerSecond float64
	BroadcastBurst      int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RetryMaxAttempts    int
	NetworkFeeAssetID   core.ChainId
}

// Adapter builds chain ops, broadcasts them in a batch, and parses orders
// returned by an IChainClient.
type Adapter struct {
	cfg    Config
	client core.IChainClient
	signer core.ISigner
	logger core.ILogger

	limiter *rate.Limiter
	retrier failsafe.Executor[core.BatchResult]
	sf      singleflight.Group

	tracer          trace.Tracer
	broadcastCounter metric.Int64Counter
	retryCounter     metric.Int64Counter

	assetCacheMu sync.RWMutex
	assetCache   map[string]core.Asset
}

// New builds a ChainAdapter against client/signer.
func New(cfg Config, client core.IChainClient, signer core.ISigner, logger core.ILogger) *Adapter {
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.BroadcastsPerSecond <= 0 {
		cfg.BroadcastsPerSecond = 10
	}
	if cfg.BroadcastBurst <= 0 {
		cfg.BroadcastBurst = 10
	}

	policy := retrypolicy.Builder[core.BatchResult]().
		WithBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay).
		WithMaxAttempts(cfg.RetryMaxAttempts).
		HandleIf(func(_ core.BatchResult, err error) bool {
			return apperrors.Is(err, apperrors.ChainRpcTransient)
		}).
		Build()

	tracer := telemetry.GetTracer("chain-adapter")
	meter := telemetry.GetMeter("chain-adapter")
	broadcastCounter, _ := meter.Int64Counter("dexgrid_broadcasts_total")
	retryCounter, _ := meter.Int64Counter("dexgrid_broadcast_retries_total")

	return &Adapter{
		cfg:              cfg,
		client:           client,
		signer:           signer,
		logger:           logger.WithField("component", "chain_adapter"),
		limiter:          rate.NewLimiter(rate.Limit(cfg.BroadcastsPerSecond), cfg.BroadcastBurst),
		retrier:          failsafe.NewExecutor[core.BatchResult](policy),
		tracer:           tracer,
		broadcastCounter: broadcastCounter,
		retryCounter:     retryCounter,
		assetCache:       make(map[string]core.Asset),
	}
}

// BuildCreateOp quantizes sellAmt/minRecv through PrecisionMath and rejects
// (returns ok=false) when either integer is <= 0.
func (a *Adapter) BuildCreateOp(seller string, sellAmt decimal.Decimal, sellAssetID string, sellPrec uint8, minRecv decimal.Decimal, recvAssetID string, recvPrec uint8, expiry time.Time) (*core.CreateOp, bool) {
	sellInt, _ := precision.ToInt(sellAmt, sellPrec)
	recvInt, _ := precision.ToInt(minRecv, recvPrec)
	if sellInt <= 0 || recvInt <= 0 {
		return nil, false
	}
	return &core.CreateOp{
		Seller:         seller,
		AmountToSell:   sellInt,
		SellAssetID:    sellAssetID,
		MinToReceive:   recvInt,
		ReceiveAssetID: recvAssetID,
		Expiration:     expiry,
	}, true
}

// BuildUpdateOp computes deltaSell = newSellInt - currentSellInt and
// newRecvInt from whichever field is given, returning ok=false when the
// result is a no-op (both delta and receive equal the current on-chain
// integers). When the only change requested was a price nudge too small to
// move either integer, recvInt is bumped by ±1 in the nudge direction so the
// on-chain ratio still reflects the intent.
func (a *Adapter) BuildUpdateOp(seller string, orderID core.ChainId, newSell decimal.Decimal, sellPrec uint8, newRecv *decimal.Decimal, newPrice *decimal.Decimal, recvPrec uint8, cached *core.ChainOrder) (*core.UpdateOp, bool) {
	newSellInt, _ := precision.ToInt(newSell, sellPrec)

	var currentSellInt, currentRecvInt int64
	if cached != nil {
		currentSellInt = cached.SellAmount
		currentRecvInt = cached.ReceiveAmount
	}

	var newRecvInt int64
	switch {
	case newRecv != nil:
		newRecvInt, _ = precision.ToInt(*newRecv, recvPrec)
	case newPrice != nil:
		recvFloat := newSell.Mul(*newPrice)
		newRecvInt, _ = precision.ToInt(recvFloat, recvPrec)
	default:
		newRecvInt = currentRecvInt
	}

	deltaSell := newSellInt - currentSellInt

	if deltaSell == 0 && newRecvInt == currentRecvInt {
		if newPrice == nil {
			return nil, false
		}
		// precision-only nudge: a price change was requested but both
		// integers round to the same value; bump recvInt by 1 in the
		// requested direction so the new_price ratio still moves.
		requested := newSell.Mul(*newPrice)
		current := precision.ToFloat(currentRecvInt, recvPrec)
		switch requested.Cmp(current) {
		case 1:
			newRecvInt++
		case -1:
			newRecvInt--
		default:
			return nil, false
		}
	}

	if newSellInt <= 0 || newRecvInt <= 0 {
		return nil, false
	}

	return &core.UpdateOp{
		Seller:         seller,
		Order:          orderID,
		NewBaseAmount:  newSellInt,
		NewQuoteAmount: newRecvInt,
		DeltaToSell:    deltaSell,
		HasDelta:       deltaSell != 0,
	}, true
}

// BuildCancelOp builds a cancel for orderID.
func (a *Adapter) BuildCancelOp(seller string, orderID core.ChainId) *core.CancelOp {
	return &core.CancelOp{Seller: seller, Order: orderID}
}

// ExecuteBatch broadcasts one transaction containing all ops through the
// client, throttled by the adapter's rate limiter and retried on
// ChainRpcTransient errors with exponential backoff up to
// cfg.RetryMaxAttempts. It does not call the adapter's signer; the ops are
// handed to IChainClient.Broadcast unsigned.
func (a *Adapter) ExecuteBatch(ctx context.Context, accountID string, ops []core.ChainOp) (core.BatchResult, error) {
	ctx, span := a.tracer.Start(ctx, "ExecuteBatch")
	defer span.End()

	if err := a.limiter.Wait(ctx); err != nil {
		return core.BatchResult{}, fmt.Errorf("chain: rate limit wait: %w", err)
	}

	idempotencyKey := uuid.NewString()

	result, err := a.retrier.GetWithExecution(func(exec failsafe.Execution[core.BatchResult]) (core.BatchResult, error) {
		if exec.Attempts() > 1 {
			a.retryCounter.Add(ctx, 1)
			a.logger.Warn("retrying broadcast", "attempt", exec.Attempts(), "key", idempotencyKey)
		}
		res, err := a.client.Broadcast(ctx, accountID, idempotencyKey, ops)
		if err != nil {
			return res, apperrors.New(apperrors.ChainRpcTransient, "execute_batch", err)
		}
		return res, nil
	})

	a.broadcastCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("account", accountID)))
	if err != nil {
		return result, fmt.Errorf("chain: execute batch: %w", err)
	}
	return result, nil
}

// ParsedOrder is parseChainOrder's normalized view of a raw ChainOrder.
type ParsedOrder struct {
	Price decimal.Decimal
	Type  core.SlotType
	Size  decimal.Decimal
}

// ParseChainOrder derives (price, type, size) from the raw order's
// sell/receive asset pair, returning ok=false when the order's two assets
// are not exactly the configured pair (in either direction) or the sell
// amount is zero.
func ParseChainOrder(raw core.ChainOrder, buyAssetID, sellAssetID string, assets map[string]core.Asset) (ParsedOrder, bool) {
	if raw.SellAmount == 0 {
		return ParsedOrder{}, false
	}

	sellAsset, ok := assets[raw.SellAssetID]
	if !ok {
		return ParsedOrder{}, false
	}
	recvAsset, ok := assets[raw.ReceiveAsset]
	if !ok {
		return ParsedOrder{}, false
	}

	sellFloat := precision.ToFloat(raw.SellAmount, sellAsset.Precision)
	recvFloat := precision.ToFloat(raw.ReceiveAmount, recvAsset.Precision)

	switch {
	case raw.SellAssetID == sellAssetID && raw.ReceiveAsset == buyAssetID:
		// selling the "sell" side for the "buy" side home asset = a SELL order
		if sellFloat.IsZero() {
			return ParsedOrder{}, false
		}
		price := recvFloat.Div(sellFloat)
		return ParsedOrder{Price: price, Type: core.SlotSell, Size: sellFloat}, true
	case raw.SellAssetID == buyAssetID && raw.ReceiveAsset == sellAssetID:
		if recvFloat.IsZero() {
			return ParsedOrder{}, false
		}
		price := sellFloat.Div(recvFloat)
		return ParsedOrder{Price: price, Type: core.SlotBuy, Size: recvFloat}, true
	default:
		return ParsedOrder{}, false
	}
}

// ReadOpenOrders takes the union of get_full_accounts and a deep
// per-market scan (two get_limit_orders calls, filtered by seller) to
// defeat truncation on large accounts.
func (a *Adapter) ReadOpenOrders(ctx context.Context, accountID, buyAssetID, sellAssetID string) ([]core.ChainOrder, error) {
	fullAccount, _, err := a.client.GetFullAccount(ctx, accountID)
	if err != nil {
		return nil, apperrors.New(apperrors.ChainRpcTransient, "read_open_orders.get_full_account", err)
	}

	forward, err := a.client.GetLimitOrders(ctx, buyAssetID, sellAssetID, 1000)
	if err != nil {
		return nil, apperrors.New(apperrors.ChainRpcTransient, "read_open_orders.get_limit_orders", err)
	}
	reverse, err := a.client.GetLimitOrders(ctx, sellAssetID, buyAssetID, 1000)
	if err != nil {
		return nil, apperrors.New(apperrors.ChainRpcTransient, "read_open_orders.get_limit_orders", err)
	}
	marketOrders := make([]core.ChainOrder, 0, len(forward)+len(reverse))
	marketOrders = append(marketOrders, forward...)
	marketOrders = append(marketOrders, reverse...)

	seen := make(map[core.ChainId]struct{}, len(fullAccount))
	union := make([]core.ChainOrder, 0, len(fullAccount)+len(marketOrders))
	for _, o := range fullAccount {
		seen[o.ID] = struct{}{}
		union = append(union, o)
	}
	for _, o := range marketOrders {
		if o.Seller != accountID {
			continue
		}
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		union = append(union, o)
	}
	return union, nil
}

// ResolveAssets fetches asset metadata for ids, deduplicating concurrent
// calls for the same id set via singleflight.
func (a *Adapter) ResolveAssets(ctx context.Context, ids []string) (map[string]core.Asset, error) {
	key := fmt.Sprintf("%v", ids)
	v, err, _ := a.sf.Do(key, func() (interface{}, error) {
		assets, err := a.client.GetAssets(ctx, ids)
		if err != nil {
			return nil, apperrors.New(apperrors.ChainRpcTransient, "resolve_assets", err)
		}
		out := make(map[string]core.Asset, len(assets))
		a.assetCacheMu.Lock()
		for _, as := range assets {
			out[as.ID] = as
			a.assetCache[as.ID] = as
		}
		a.assetCacheMu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]core.Asset), nil
}
