// Package core defines the shared types and collaborator interfaces that the
// rest of the engine is built against. Everything outside this module's own
// concurrency-disciplined order-management core (chain transport, price
// discovery, persistence wiring, logging sinks) is reached only through
// these interfaces.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SlotType classifies a grid position by the side of the book it belongs to.
type SlotType int

const (
	SlotBuy SlotType = iota
	SlotSell
	SlotSpread
)

func (t SlotType) String() string {
	switch t {
	case SlotBuy:
		return "BUY"
	case SlotSell:
		return "SELL"
	case SlotSpread:
		return "SPREAD"
	default:
		return "UNKNOWN"
	}
}

// SlotState is the lifecycle state of a Slot.
type SlotState int

const (
	SlotVirtual SlotState = iota
	SlotActive
	SlotPartial
)

func (s SlotState) String() string {
	switch s {
	case SlotVirtual:
		return "VIRTUAL"
	case SlotActive:
		return "ACTIVE"
	case SlotPartial:
		return "PARTIAL"
	default:
		return "UNKNOWN"
	}
}

// ChainId identifies an order as known to the chain, e.g. "1.7.1234".
type ChainId string

// Asset is a tradable unit on the chain. Precision is mandatory: any
// operation that needs it and finds it missing must fail fatally rather
// than assume a default (PrecisionMissing, see pkg/errors).
type Asset struct {
	ID        string
	Symbol    string
	Precision uint8
}

// ChainOrder is the chain's own view of a limit order, as returned by
// get_full_accounts / get_limit_orders and reduced by ParseChainOrder.
type ChainOrder struct {
	ID            ChainId
	Seller        string
	SellAssetID   string
	SellAmount    int64
	ReceiveAsset  string
	ReceiveAmount int64
	Expiration    time.Time
}

// Slot is one position in the price grid, and owns a single order slice:
// at most one on-chain order at a time, transitioning through the
// VIRTUAL/ACTIVE/PARTIAL state machine as fills and grid commits land.
type Slot struct {
	ID         string
	Type       SlotType
	State      SlotState
	Price      decimal.Decimal
	Size       decimal.Decimal
	OrderID    ChainId // empty when State == SlotVirtual
	RawOnChain *ChainOrder
}

// IsLive reports whether the slot currently backs an on-chain order.
func (s Slot) IsLive() bool {
	return s.State == SlotActive || s.State == SlotPartial
}

// FillEvent is one fill observed on the account's operation history stream.
type FillEvent struct {
	OrderID       ChainId
	BlockNum      uint64
	HistoryID     string
	PaysAssetID   string
	PaysAmount    int64
	ReceivesAsset string
	ReceivesAmt   int64
	IsMaker       bool
	FeeAssetID    string
	FeeAmount     int64
}

// FillKey uniquely identifies a fill for deduplication: orderId:blockNum:historyId.
func (f FillEvent) FillKey() string {
	return string(f.OrderID) + ":" + itoa(f.BlockNum) + ":" + f.HistoryID
}

func itoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

// ActionKind tags the variant of a planner Action.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionUpdate
	ActionCancel
)

// Action is the planner's output: a single mutation to apply on-chain.
type Action struct {
	Kind     ActionKind
	SlotID   string
	Type     SlotType
	Price    decimal.Decimal
	Size     decimal.Decimal
	OrderID  ChainId // required for Update/Cancel
	NewPrice decimal.Decimal
	NewSize  decimal.Decimal
}

// CreateOp / UpdateOp / CancelOp are the tagged op-data shapes ChainAdapter
// builds from an Action.
type CreateOp struct {
	Seller         string
	AmountToSell   int64
	SellAssetID    string
	MinToReceive   int64
	ReceiveAssetID string
	Expiration     time.Time
}

type UpdateOp struct {
	Seller         string
	Order          ChainId
	NewBaseAmount  int64
	NewBaseAsset   string
	NewQuoteAmount int64
	NewQuoteAsset  string
	DeltaToSell    int64
	DeltaAssetID   string
	HasDelta       bool
	Expiration     *time.Time
}

type CancelOp struct {
	Seller string
	Order  ChainId
}

// ChainOp is a tagged union of the three op shapes, used to build the batch
// executeBatch broadcasts as one transaction.
type ChainOp struct {
	Create *CreateOp
	Update *UpdateOp
	Cancel *CancelOp
}

// OpResult is the i-th element of a broadcast response, normalized from
// whatever shape the chain transport actually returns.
type OpResult struct {
	Success bool
	OrderID ChainId // populated for CREATE on success
	Err     error
}

// BatchResult is executeBatch's normalized return value.
type BatchResult struct {
	Success         bool
	OperationResults []OpResult
}

// AccountTotals is a chain-reported balance snapshot for one bot's account,
// consumed by Accountant.SetAccountTotals.
type AccountTotals struct {
	BuyAssetFree  decimal.Decimal
	SellAssetFree decimal.Decimal
}

// IChainClient is the external collaborator for chain transport. Only the
// methods this engine needs are named; the wire protocol itself is left to
// the concrete implementation.
type IChainClient interface {
	GetFullAccount(ctx context.Context, accountID string) ([]ChainOrder, AccountTotals, error)
	GetLimitOrders(ctx context.Context, baseAssetID, quoteAssetID string, depth int) ([]ChainOrder, error)
	GetAssets(ctx context.Context, ids []string) ([]Asset, error)
	LookupAssetSymbols(ctx context.Context, symbols []string) ([]Asset, error)
	Broadcast(ctx context.Context, accountID string, idempotencyKey string, ops []ChainOp) (BatchResult, error)
	SubscribeAccountHistory(ctx context.Context, accountID string, sinceHistoryID string) (<-chan FillEvent, error)
}

// IPriceSource resolves one scalar market price per pair. Aggregation of
// pools / order books / external tickers is an external collaborator's
// concern.
type IPriceSource interface {
	GetPrice(ctx context.Context, pairID string) (decimal.Decimal, error)
}

// ISigner signs a built transaction. Key custody beyond this callable is
// the caller's concern; ISigner only ever sees a transaction to sign.
type ISigner interface {
	Sign(tx any, key string) (signed any, err error)
}

// BotState is the per-bot Store record.
type BotState struct {
	BotKey          string
	Meta            map[string]string
	Grid            []Slot
	CacheFunds      map[SlotType]decimal.Decimal
	BtsFeesOwed     decimal.Decimal
	BoundaryIdx     int
	Assets          map[string]Asset
	DoubleSideFlags map[string]bool
	ProcessedFills  map[string]time.Time
	LastUpdated     time.Time
}

// IPersistence is the per-bot Store collaborator.
type IPersistence interface {
	SaveState(ctx context.Context, state BotState) error
	LoadState(ctx context.Context, botKey string) (*BotState, error)
	Close() error
}

// ILogger is the structured logging collaborator used throughout the engine.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor aggregates health status from registered components.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
