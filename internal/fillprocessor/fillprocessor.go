// Package fillprocessor turns incoming chain fill events into accounting
// credits and grid slot transitions. Each fill is checked twice for
// idempotency: once against the slot's own state, once against a global
// ProcessedFills ledger, and CleanOldProcessedFills periodically sweeps
// that ledger by age.
package fillprocessor

import (
	"context"
	"sync"
	"time"

	"dexgrid/internal/accountant"
	"dexgrid/internal/core"
	"dexgrid/internal/feecache"
	"dexgrid/internal/grid"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"
)

// DefaultRetention is the default ProcessedFills eviction age.
const DefaultRetention = time.Hour

// CalculatePriceTolerance is the match tolerance between a fill's implied
// price and a slot's grid price: tol = (1/(size*10^pA) + 1/(size*10^pB)) * gridPrice,
// i.e. one base unit of slack on each side of the pair, converted into price
// terms at the slot's size.
func CalculatePriceTolerance(gridPrice, size decimal.Decimal, precA, precB uint8) decimal.Decimal {
	if size.IsZero() {
		return decimal.Zero
	}
	scaleA := decimal.New(1, int32(precA))
	scaleB := decimal.New(1, int32(precB))
	unitA := decimal.NewFromInt(1).Div(size.Mul(scaleA))
	unitB := decimal.NewFromInt(1).Div(size.Mul(scaleB))
	return unitA.Add(unitB).Mul(gridPrice)
}

// Match is one fill matched to a slot, staged for credit and boundary
// advance.
type Match struct {
	Fill       core.FillEvent
	SlotID     string
	Slot       core.Slot
	ReceivedOn core.SlotType // opposite side credited
	Net        decimal.Decimal
}

// Result is one ProcessBatch pass's output: the working overlay to commit,
// the slots that matched, and any fills that could not be matched at all
// (dropped, logged by the caller).
type Result struct {
	Working    *grid.WorkingGrid
	Matches    []Match
	Unmatched  []core.FillEvent
	BoundaryFn func(current int) int
}

// Processor deduplicates and matches fill events against a MasterGrid,
// crediting the Accountant and staging slot transitions on a WorkingGrid.
type Processor struct {
	mu        sync.Mutex
	processed map[string]time.Time
	retention time.Duration

	fees       *feecache.FeeCache
	acct       *accountant.Accountant
	logger     core.ILogger
	matchPool  *pond.WorkerPool
}

// New builds a Processor. poolSize bounds the concurrency used to match
// fills to slots within one batch.
func New(fees *feecache.FeeCache, acct *accountant.Accountant, logger core.ILogger, retention time.Duration, poolSize int) *Processor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Processor{
		processed: make(map[string]time.Time),
		retention: retention,
		fees:      fees,
		acct:      acct,
		logger:    logger.WithField("component", "fill_processor"),
		matchPool: pond.New(poolSize, poolSize*4),
	}
}

// Seed marks fill keys as already processed, used when restoring
// ProcessedFills from persistence at startup.
func (p *Processor) Seed(keys map[string]time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, ts := range keys {
		p.processed[k] = ts
	}
}

// Snapshot returns a copy of the processed-fill ledger for persistence.
func (p *Processor) Snapshot() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(map[string]time.Time, len(p.processed))
	for k, v := range p.processed {
		cp[k] = v
	}
	return cp
}

// CleanOldProcessedFills prunes entries older than age.
func (p *Processor) CleanOldProcessedFills(age time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, ts := range p.processed {
		if now.Sub(ts) > age {
			delete(p.processed, k)
			removed++
		}
	}
	return removed
}

type matchJob struct {
	event core.FillEvent
	slot  core.Slot
	ok    bool
}

// ProcessBatch dedupes events (against ProcessedFills and within the batch),
// matches each to a slot by orderId then by price+size tolerance, credits
// the Accountant's opposite-side chainFree net of fees, stages the filled
// slot as VIRTUAL with its order id cleared on a fresh WorkingGrid opened
// against master, and appends newly
// seen fill keys to ProcessedFills. allowSmallerChainSize permits a partial
// fill (chain size <= grid size); otherwise slot and fill sizes must be
// equal to within one integer unit.
func (p *Processor) ProcessBatch(ctx context.Context, master *grid.MasterGrid, assets map[string]core.Asset, buyAssetID, sellAssetID string, events []core.FillEvent, allowSmallerChainSize bool) Result {
	working := grid.NewWorkingGrid(master)
	result := Result{Working: working}

	seenThisBatch := make(map[string]struct{}, len(events))
	p.mu.Lock()
	toMark := make([]string, 0, len(events))
	var toMatch []core.FillEvent
	for _, ev := range events {
		key := ev.FillKey()
		if _, dup := seenThisBatch[key]; dup {
			continue
		}
		seenThisBatch[key] = struct{}{}
		if _, known := p.processed[key]; known {
			continue
		}
		toMatch = append(toMatch, ev)
		toMark = append(toMark, key)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	jobs := make([]matchJob, len(toMatch))
	for i, ev := range toMatch {
		i, ev := i, ev
		wg.Add(1)
		p.matchPool.Submit(func() {
			defer wg.Done()
			slot, ok := p.matchFill(master, assets, buyAssetID, sellAssetID, ev, allowSmallerChainSize)
			jobs[i] = matchJob{event: ev, slot: slot, ok: ok}
		})
	}
	wg.Wait()

	boundaryDelta := 0
	for _, j := range jobs {
		if !j.ok {
			result.Unmatched = append(result.Unmatched, j.event)
			continue
		}

		creditSide := core.SlotBuy
		creditAssetID := buyAssetID
		if j.slot.Type == core.SlotBuy {
			creditSide = core.SlotSell
			creditAssetID = sellAssetID
		}

		recvAmount := decimalFromFill(j.event, creditAssetID, assets)
		quote := p.fees.GetAssetFees(core.ChainId(creditAssetID), recvAmount, false)
		net := quote.Net

		acctSide := accountant.SideBuy
		if creditSide == core.SlotSell {
			acctSide = accountant.SideSell
		}
		p.acct.AddToChainFree(acctSide, net)

		filled := j.slot
		filled.State = core.SlotVirtual
		filled.OrderID = ""
		filled.RawOnChain = nil
		working.Set(j.slot.ID, filled)

		if j.slot.Type == core.SlotBuy {
			boundaryDelta--
		} else {
			boundaryDelta++
		}

		result.Matches = append(result.Matches, Match{
			Fill:       j.event,
			SlotID:     j.slot.ID,
			Slot:       j.slot,
			ReceivedOn: creditSide,
			Net:        net,
		})
	}

	p.mu.Lock()
	now := time.Now()
	for _, k := range toMark {
		p.processed[k] = now
	}
	p.mu.Unlock()

	result.BoundaryFn = func(current int) int { return current + boundaryDelta }
	return result
}

func (p *Processor) matchFill(master *grid.MasterGrid, assets map[string]core.Asset, buyAssetID, sellAssetID string, ev core.FillEvent, allowSmallerChainSize bool) (core.Slot, bool) {
	if slot, ok := master.ByOrderID(ev.OrderID); ok {
		return slot, true
	}

	paysAsset, okP := assets[ev.PaysAssetID]
	recvAsset, okR := assets[ev.ReceivesAsset]
	if !okP || !okR {
		return core.Slot{}, false
	}

	size := decimal.New(ev.PaysAmount, -int32(paysAsset.Precision))
	price := decimal.New(ev.ReceivesAmt, -int32(recvAsset.Precision)).Div(size)

	for _, slot := range master.BySlotState(core.SlotActive) {
		if !matchCandidate(slot, ev, buyAssetID, sellAssetID) {
			continue
		}
		tol := CalculatePriceTolerance(slot.Price, slot.Size, paysAsset.Precision, recvAsset.Precision)
		if price.Sub(slot.Price).Abs().GreaterThan(tol) {
			continue
		}
		if allowSmallerChainSize {
			if size.LessThanOrEqual(slot.Size) {
				return slot, true
			}
			continue
		}
		diff := size.Sub(slot.Size).Abs()
		oneUnit := decimal.New(1, -int32(paysAsset.Precision))
		if diff.LessThanOrEqual(oneUnit) {
			return slot, true
		}
	}
	return core.Slot{}, false
}

func matchCandidate(slot core.Slot, ev core.FillEvent, buyAssetID, sellAssetID string) bool {
	if slot.Type == core.SlotBuy {
		return ev.PaysAssetID == buyAssetID && ev.ReceivesAsset == sellAssetID
	}
	if slot.Type == core.SlotSell {
		return ev.PaysAssetID == sellAssetID && ev.ReceivesAsset == buyAssetID
	}
	return false
}

func decimalFromFill(ev core.FillEvent, creditAssetID string, assets map[string]core.Asset) decimal.Decimal {
	asset, ok := assets[creditAssetID]
	if !ok {
		return decimal.Zero
	}
	if ev.ReceivesAsset == creditAssetID {
		return decimal.New(ev.ReceivesAmt, -int32(asset.Precision))
	}
	return decimal.New(ev.PaysAmount, -int32(asset.Precision))
}
