// Package pipeline drives one bot's NORMAL/REBALANCING/BROADCASTING state
// machine: plan against the grid, execute a batch on chain, commit the
// result, and re-sync. The broadcast and the commit each run through a
// separate DBOS RunAsStep call; planning and the post-commit re-sync are
// plain calls.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dexgrid/internal/accountant"
	"dexgrid/internal/chain"
	"dexgrid/internal/core"
	"dexgrid/internal/fillprocessor"
	"dexgrid/internal/grid"
	"dexgrid/internal/store"
	"dexgrid/internal/strategy"

	apperrors "dexgrid/pkg/errors"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
)

// State is one of the bot's three lifecycle states.
type State int

const (
	StateNormal State = iota
	StateRebalancing
	StateBroadcasting
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateRebalancing:
		return "REBALANCING"
	case StateBroadcasting:
		return "BROADCASTING"
	default:
		return "UNKNOWN"
	}
}

// Config bundles a bot's identity and tunables.
type Config struct {
	BotKey       string
	AccountID    string
	BuyAssetID   string
	SellAssetID  string
	Strategy     strategy.Config
	CooldownTicks int
}

// Bot owns one grid's NORMAL/REBALANCING/BROADCASTING lifecycle. The engine
// is cooperatively single-threaded within a bot: MaintenanceTick is never
// called concurrently with itself for the same Bot.
type Bot struct {
	cfg Config

	master *grid.MasterGrid
	assets map[string]core.Asset

	acct     *accountant.Accountant
	adapter  *chain.Adapter
	fillProc *fillprocessor.Processor
	store    *store.Store
	price    core.IPriceSource
	workflow *Workflow
	logger   core.ILogger

	mu                sync.Mutex
	state             State
	batchInFlight     bool
	retryInFlight     bool
	recoveryInFlight  bool
	broadcasting      bool
	shadowOrderIDs    map[core.ChainId]struct{}
	staleCleanedIDs   map[core.ChainId]struct{}
	incomingFillQueue []core.FillEvent
	illegalStateSig   chan struct{}
	cooldownTicks     int
}

// New builds a Bot around an already-loaded MasterGrid.
func New(cfg Config, master *grid.MasterGrid, assets map[string]core.Asset, acct *accountant.Accountant, adapter *chain.Adapter, fillProc *fillprocessor.Processor, st *store.Store, price core.IPriceSource, workflow *Workflow, logger core.ILogger) *Bot {
	if cfg.CooldownTicks <= 0 {
		cfg.CooldownTicks = 1
	}
	return &Bot{
		cfg:             cfg,
		master:          master,
		assets:          assets,
		acct:            acct,
		adapter:         adapter,
		fillProc:        fillProc,
		store:           st,
		price:           price,
		workflow:        workflow,
		logger:          logger.WithField("bot", cfg.BotKey),
		shadowOrderIDs:  make(map[core.ChainId]struct{}),
		staleCleanedIDs: make(map[core.ChainId]struct{}),
		illegalStateSig: make(chan struct{}, 1),
	}
}

// State returns the bot's current lifecycle state.
func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SignalIllegalState records that the chain rejected an op with
// ILLEGAL_ORDER_STATE; the next maintenance tick drains it and triggers a
// recovery sync instead of planning.
func (b *Bot) SignalIllegalState() {
	select {
	case b.illegalStateSig <- struct{}{}:
	default:
	}
}

// EnqueueFill stages a fill event for the next maintenance tick.
func (b *Bot) EnqueueFill(ev core.FillEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incomingFillQueue = append(b.incomingFillQueue, ev)
}

func (b *Bot) busyLocked() bool {
	return b.batchInFlight || b.retryInFlight || b.recoveryInFlight || b.broadcasting ||
		len(b.shadowOrderIDs) > 0 || len(b.incomingFillQueue) > 0
}

// MaintenanceTick runs one periodic pass. It defers only when the fill
// queue is empty and a batch, retry, recovery, broadcast or shadow order is
// in flight; with fills queued it always proceeds, since this pass is what
// drains them. It then drains the illegal-state signal. Otherwise it drains
// pending fills, plans, and
// (if the plan is non-empty) executes a batch through the durable workflow.
func (b *Bot) MaintenanceTick(ctx context.Context) error {
	b.mu.Lock()
	if b.busyLocked() && len(b.incomingFillQueue) == 0 {
		b.mu.Unlock()
		return nil
	}
	select {
	case <-b.illegalStateSig:
		b.mu.Unlock()
		b.triggerStateRecoverySync(ctx)
		b.mu.Lock()
		b.cooldownTicks = b.cfg.CooldownTicks
		b.mu.Unlock()
		return nil
	default:
	}
	if b.cooldownTicks > 0 {
		b.cooldownTicks--
		b.mu.Unlock()
		return nil
	}
	fills := b.incomingFillQueue
	b.incomingFillQueue = nil
	b.mu.Unlock()

	if len(fills) > 0 {
		if err := b.drainFills(ctx, fills); err != nil {
			return fmt.Errorf("pipeline: drain fills: %w", err)
		}
	}

	diff, marketPrice, err := b.plan(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: plan: %w", err)
	}
	if len(diff.Actions) == 0 {
		b.logger.Debug("empty plan, nothing to broadcast")
		return nil
	}

	b.mu.Lock()
	b.state = StateRebalancing
	b.mu.Unlock()

	return b.executeAndCommit(ctx, diff, marketPrice)
}

func (b *Bot) drainFills(ctx context.Context, fills []core.FillEvent) error {
	// allowSmallerChainSize is honored only before the first commit.
	allowSmaller := b.cfg.Strategy.AllowSmallerChainSizeOnSync && b.master.Version() == 0
	res := b.fillProc.ProcessBatch(ctx, b.master, b.assets, b.cfg.BuyAssetID, b.cfg.SellAssetID, fills, allowSmaller)
	if res.Working.OverlaySize() == 0 {
		return nil
	}
	working := res.Working.WithBoundaryIdx(res.BoundaryFn(b.master.BoundaryIdx()))
	next, err := b.commit(ctx, working)
	if err != nil {
		return err
	}
	b.master = next
	return b.persist(ctx)
}

func (b *Bot) plan(ctx context.Context) (strategy.DiffResult, decimal.Decimal, error) {
	marketPrice, err := b.price.GetPrice(ctx, b.cfg.BuyAssetID+"/"+b.cfg.SellAssetID)
	if err != nil {
		return strategy.DiffResult{}, decimal.Zero, err
	}

	cfg := b.cfg.Strategy
	pricePrec := b.assets[b.cfg.SellAssetID].Precision
	buyPrices := strategy.BuildHalfGridPrices(marketPrice, cfg.IncrementPercent, cfg.ActiveOrdersBuy, true, pricePrec)
	sellPrices := strategy.BuildHalfGridPrices(marketPrice, cfg.IncrementPercent, cfg.ActiveOrdersSell, false, pricePrec)

	buyTotal := b.acct.Available(accountant.SideBuy, false)
	sellTotal := b.acct.Available(accountant.SideSell, false)
	// buyPrices and sellPrices both run nearest-to-market first, so neither
	// side reverses the weight index.
	buySizes, buyLeftover := strategy.AllocateFundsByWeights(buyTotal, cfg.IncrementPercent, cfg.WeightDistributionBuy, cfg.ActiveOrdersBuy, false, decimal.Zero, 8)
	sellSizes, sellLeftover := strategy.AllocateFundsByWeights(sellTotal, cfg.IncrementPercent, cfg.WeightDistributionSell, cfg.ActiveOrdersSell, false, decimal.Zero, 8)
	if buyLeftover.GreaterThan(decimal.Zero) {
		b.acct.ModifyCacheFunds(accountant.SideBuy, buyLeftover, "geometric allocation remainder")
	}
	if sellLeftover.GreaterThan(decimal.Zero) {
		b.acct.ModifyCacheFunds(accountant.SideSell, sellLeftover, "geometric allocation remainder")
	}

	target := make(map[string]strategy.TargetSlot, len(buyPrices)+len(sellPrices))
	for i, p := range buyPrices {
		id := fmt.Sprintf("slot-buy-%d", i)
		target[id] = strategy.TargetSlot{ID: id, Type: core.SlotBuy, Price: p, Size: buySizes[i]}
	}
	for i, p := range sellPrices {
		id := fmt.Sprintf("slot-sell-%d", i)
		target[id] = strategy.TargetSlot{ID: id, Type: core.SlotSell, Price: p, Size: sellSizes[i]}
	}

	diff := strategy.DiffToActions(b.master, target, marketPrice, cfg.GridRegenerationPercentage)
	return diff, marketPrice, nil
}

// executeAndCommit applies the commit guard, runs the durable broadcast
// workflow, and folds the batch result back into the master grid.
func (b *Bot) executeAndCommit(ctx context.Context, diff strategy.DiffResult, marketPrice decimal.Decimal) error {
	working := grid.NewWorkingGrid(b.master)

	if err := b.commitGuard(working, diff); err != nil {
		b.logger.Warn("commit guard rejected plan", "error", err)
		return nil
	}

	b.mu.Lock()
	b.broadcasting = true
	b.state = StateBroadcasting
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.broadcasting = false
		b.state = StateNormal
		b.mu.Unlock()
	}()

	ops, actionsByOp := b.buildOps(ctx, working, diff)
	if len(ops) == 0 {
		return nil
	}

	result, err := b.workflow.RunBroadcast(ctx, b.cfg.AccountID, ops)
	if err != nil {
		return b.handleBroadcastError(ctx, working, err)
	}

	b.applyBatchResult(working, actionsByOp, result)

	next, err := b.commit(ctx, working)
	if err != nil {
		return err
	}
	b.master = next

	if err := b.persist(ctx); err != nil {
		return err
	}

	return b.postCommitSync(ctx)
}

// commitGuard re-checks that every CREATE action's slot is still free and
// that available funds cover each op's cost, applying the cache deduction
// at the moment the overlay is staged (not post-batch).
func (b *Bot) commitGuard(working *grid.WorkingGrid, diff strategy.DiffResult) error {
	for _, a := range diff.Actions {
		if a.Kind != core.ActionCreate {
			continue
		}
		existing, ok := working.Get(a.SlotID)
		if ok && existing.IsLive() {
			return apperrors.New(apperrors.IllegalOrderState, "commit_guard.create_slot_occupied", nil)
		}

		side := accountant.SideBuy
		if a.Type == core.SlotSell {
			side = accountant.SideSell
		}
		if b.acct.Available(side, false).LessThan(a.Size) {
			return apperrors.New(apperrors.AccountingDrift, "commit_guard.insufficient_available", nil)
		}

		working.Set(a.SlotID, core.Slot{ID: a.SlotID, Type: a.Type, State: core.SlotVirtual, Price: a.Price, Size: a.Size})
		b.acct.AddVirtual(side, a.Size)
	}
	return nil
}

func (b *Bot) buildOps(ctx context.Context, working *grid.WorkingGrid, diff strategy.DiffResult) ([]core.ChainOp, []core.Action) {
	ops := make([]core.ChainOp, 0, len(diff.Actions))
	actions := make([]core.Action, 0, len(diff.Actions))

	for _, a := range diff.Actions {
		switch a.Kind {
		case core.ActionCreate:
			op, ok := b.adapter.BuildCreateOp(b.cfg.AccountID, a.Size, b.assetIDForSide(a.Type), 8, a.Price.Mul(a.Size), b.otherAssetIDForSide(a.Type), 8, time.Now().Add(30*24*time.Hour))
			if !ok {
				continue
			}
			ops = append(ops, core.ChainOp{Create: op})
			actions = append(actions, a)
		case core.ActionUpdate:
			resolved := b.rotationFallbackRecheck(ctx, a)
			if resolved.Kind == core.ActionCreate {
				op, ok := b.adapter.BuildCreateOp(b.cfg.AccountID, resolved.NewSize, b.assetIDForSide(resolved.Type), 8, resolved.NewPrice.Mul(resolved.NewSize), b.otherAssetIDForSide(resolved.Type), 8, time.Now().Add(30*24*time.Hour))
				if ok {
					ops = append(ops, core.ChainOp{Create: op})
					actions = append(actions, resolved)
				}
				continue
			}
			if resolved.Kind == core.ActionCancel {
				continue // deferred this tick; rotation recheck errored
			}
			op, ok := b.adapter.BuildUpdateOp(b.cfg.AccountID, resolved.OrderID, resolved.NewSize, 8, nil, &resolved.NewPrice, 8, nil)
			if !ok {
				continue
			}
			ops = append(ops, core.ChainOp{Update: op})
			actions = append(actions, resolved)
		case core.ActionCancel:
			ops = append(ops, core.ChainOp{Cancel: b.adapter.BuildCancelOp(b.cfg.AccountID, a.OrderID)})
			actions = append(actions, a)
		}
	}
	return ops, actions
}

// rotationFallbackRecheck re-reads the chain once when a planned UPDATE's
// order looks missing from the working grid; if still present it keeps the
// UPDATE, if absent it converts to CREATE, and if the recheck itself errors
// it defers by returning a CANCEL sentinel the caller skips.
func (b *Bot) rotationFallbackRecheck(ctx context.Context, a core.Action) core.Action {
	existing, ok := b.master.Get(a.SlotID)
	if ok && existing.IsLive() {
		return a
	}

	orders, err := b.adapter.ReadOpenOrders(ctx, b.cfg.AccountID, b.cfg.BuyAssetID, b.cfg.SellAssetID)
	if err != nil {
		return core.Action{Kind: core.ActionCancel} // defer: no fallback this tick
	}
	for _, o := range orders {
		if o.ID == a.OrderID {
			return a
		}
	}
	return core.Action{Kind: core.ActionCreate, SlotID: a.SlotID, Type: a.Type, NewPrice: a.NewPrice, NewSize: a.NewSize}
}

func (b *Bot) assetIDForSide(t core.SlotType) string {
	if t == core.SlotBuy {
		return b.cfg.BuyAssetID
	}
	return b.cfg.SellAssetID
}

func (b *Bot) otherAssetIDForSide(t core.SlotType) string {
	if t == core.SlotBuy {
		return b.cfg.SellAssetID
	}
	return b.cfg.BuyAssetID
}

// handleBroadcastError implements the retry taxonomy: "order not found" is
// a benign race handled via the stale-only fast path (no recovery, no
// cooldown); ILLEGAL_ORDER_STATE triggers a recovery sync and a cooldown;
// anything else aborts the batch. On the stale path the batch is dropped:
// the stale order id is not recorded and the grid is left as it was.
func (b *Bot) handleBroadcastError(ctx context.Context, working *grid.WorkingGrid, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "order not found") || strings.Contains(msg, "unknown order"):
		b.logger.Warn("stale order on broadcast, batch dropped", "error", err)
		return nil
	case apperrors.Is(err, apperrors.IllegalOrderState) || strings.Contains(msg, "illegal_order_state"):
		b.triggerStateRecoverySync(ctx)
		b.mu.Lock()
		b.cooldownTicks = b.cfg.CooldownTicks
		b.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("pipeline: broadcast aborted: %w", err)
	}
}

func (b *Bot) applyBatchResult(working *grid.WorkingGrid, actions []core.Action, result core.BatchResult) {
	for i, res := range result.OperationResults {
		if i >= len(actions) {
			break
		}
		a := actions[i]
		if !res.Success {
			continue
		}
		switch a.Kind {
		case core.ActionCreate:
			working.Set(a.SlotID, core.Slot{ID: a.SlotID, Type: a.Type, State: core.SlotActive, Price: a.Price, Size: a.Size, OrderID: res.OrderID})
		case core.ActionUpdate:
			working.Set(a.SlotID, core.Slot{ID: a.SlotID, Type: a.Type, State: core.SlotActive, Price: a.NewPrice, Size: a.NewSize, OrderID: a.OrderID})
		case core.ActionCancel:
			working.Set(a.SlotID, core.Slot{ID: a.SlotID, Type: a.Type, State: core.SlotVirtual})
			b.mu.Lock()
			b.staleCleanedIDs[a.OrderID] = struct{}{}
			b.mu.Unlock()
		}
	}
}

func (b *Bot) commit(ctx context.Context, working *grid.WorkingGrid) (*grid.MasterGrid, error) {
	return b.workflow.RunCommit(ctx, &b.master, working)
}

func (b *Bot) persist(ctx context.Context) error {
	state := core.BotState{
		BotKey:         b.cfg.BotKey,
		Grid:           sliceFromSlots(b.master.AllSlots()),
		BtsFeesOwed:    decimal.Zero,
		BoundaryIdx:    b.master.BoundaryIdx(),
		ProcessedFills: b.fillProc.Snapshot(),
		LastUpdated:    time.Now(),
	}
	return b.store.SaveState(ctx, state)
}

func (b *Bot) postCommitSync(ctx context.Context) error {
	_, err := b.adapter.ReadOpenOrders(ctx, b.cfg.AccountID, b.cfg.BuyAssetID, b.cfg.SellAssetID)
	return err
}

// triggerStateRecoverySync marks recoveryInFlight for the duration of a
// full chain re-read, so no other planning can interleave.
func (b *Bot) triggerStateRecoverySync(ctx context.Context) {
	b.mu.Lock()
	b.recoveryInFlight = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.recoveryInFlight = false
		b.mu.Unlock()
	}()

	if _, err := b.adapter.ReadOpenOrders(ctx, b.cfg.AccountID, b.cfg.BuyAssetID, b.cfg.SellAssetID); err != nil {
		b.logger.Error("recovery sync failed", "error", err)
	}
}

func sliceFromSlots(m map[string]core.Slot) []core.Slot {
	out := make([]core.Slot, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// Workflow wraps the durable DBOS steps used by Bot's broadcast phase.
type Workflow struct {
	dbosCtx dbos.DBOSContext
	adapter *chain.Adapter
	lock    *commitLock
}

// commitLock is the narrow surface Workflow needs from asynclock.Lock,
// kept here to avoid a second import cycle between pipeline and grid/asynclock.
type commitLock struct {
	Acquire func(ctx context.Context, masterRef **grid.MasterGrid, working *grid.WorkingGrid) (*grid.MasterGrid, error)
}

// NewWorkflow builds a Workflow around a DBOS runtime context and the chain
// adapter it drives broadcasts through.
func NewWorkflow(dbosCtx dbos.DBOSContext, adapter *chain.Adapter, acquire func(ctx context.Context, masterRef **grid.MasterGrid, working *grid.WorkingGrid) (*grid.MasterGrid, error)) *Workflow {
	return &Workflow{dbosCtx: dbosCtx, adapter: adapter, lock: &commitLock{Acquire: acquire}}
}

// RunBroadcast executes one chain batch as a durable step: a process crash
// mid-broadcast resumes here instead of re-submitting a duplicate batch.
func (w *Workflow) RunBroadcast(ctx context.Context, accountID string, ops []core.ChainOp) (core.BatchResult, error) {
	raw, err := w.dbosCtx.RunAsStep(w.dbosCtx, func(stepCtx context.Context) (any, error) {
		return w.adapter.ExecuteBatch(stepCtx, accountID, ops)
	})
	if err != nil {
		return core.BatchResult{}, err
	}
	return raw.(core.BatchResult), nil
}

// RunCommit applies a WorkingGrid to masterRef as a durable step.
func (w *Workflow) RunCommit(ctx context.Context, masterRef **grid.MasterGrid, working *grid.WorkingGrid) (*grid.MasterGrid, error) {
	raw, err := w.dbosCtx.RunAsStep(w.dbosCtx, func(stepCtx context.Context) (any, error) {
		return w.lock.Acquire(stepCtx, masterRef, working)
	})
	if err != nil {
		return nil, err
	}
	return raw.(*grid.MasterGrid), nil
}
