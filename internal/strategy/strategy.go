// Package strategy produces a target grid from price and funds and diffs it
// against the master grid to emit CREATE/UPDATE/CANCEL actions: geometric
// price levels, weighted fund allocation across them, and an
// RMS-divergence metric between live and target sizes. RMSDivergence only
// computes the metric; nothing in this package compares it to
// RMSPercentage, halts reconciliation, or resizes a side.
package strategy

import (
	"math"
	"sort"

	"dexgrid/internal/core"
	"dexgrid/internal/grid"
	"dexgrid/internal/precision"
	"dexgrid/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Config mirrors the reconciler's tunables.
type Config struct {
	ActiveOrdersBuy             int
	ActiveOrdersSell            int
	IncrementPercent            decimal.Decimal
	WeightDistributionBuy       decimal.Decimal
	WeightDistributionSell      decimal.Decimal
	MinOrderSizeFactor          decimal.Decimal
	GridRegenerationPercentage  decimal.Decimal
	RMSPercentage               decimal.Decimal
	AllowSmallerChainSizeOnSync bool
}

// TargetSlot is one entry of the planner's target grid.
type TargetSlot struct {
	ID    string
	Type  core.SlotType
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BuildHalfGridPrices computes n prices decreasing (or increasing) from
// marketPrice by (1±inc)^k, k = 1..n, quantized to pricePrec decimals so two
// slots never differ only in trailing noise digits.
func BuildHalfGridPrices(marketPrice, inc decimal.Decimal, n int, descending bool, pricePrec uint8) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, n)
	factor := decimal.NewFromInt(1)
	if descending {
		factor = factor.Sub(inc)
	} else {
		factor = factor.Add(inc)
	}

	cur := marketPrice
	for k := 0; k < n; k++ {
		cur = cur.Mul(factor)
		prices = append(prices, tradingutils.RoundPrice(cur, int(pricePrec)))
	}
	return prices
}

// AllocateFundsByWeights assigns raw weights w_k = (1-inc)^(idx*weight),
// so the largest weight sits at index 0 (the market-adjacent slot when
// slots run nearest-to-market first); reverseIdx reverses idx so the
// largest weight sits at the last index instead. It then normalizes to sum 1, scales by total, quantizes to integer units at
// precision, and redistributes the rounding remainder into the largest
// bucket so integer sums equal to_int(total, precision). Sizes below
// minSize are zeroed and their budget returned as leftover, for the caller
// to fold into cache funds.
func AllocateFundsByWeights(total, inc, weight decimal.Decimal, n int, reverseIdx bool, minSize decimal.Decimal, prec uint8) (sizes []decimal.Decimal, leftover decimal.Decimal) {
	if n <= 0 {
		return nil, decimal.Zero
	}

	oneMinusInc := 1 - inc.InexactFloat64()
	weightF := weight.InexactFloat64()

	rawWeights := make([]float64, n)
	sum := 0.0
	for idx := 0; idx < n; idx++ {
		used := idx
		if reverseIdx {
			used = n - 1 - idx
		}
		w := math.Pow(oneMinusInc, float64(used)*weightF)
		rawWeights[idx] = w
		sum += w
	}

	totalInt, _ := precision.ToInt(total, prec)
	ints := make([]int64, n)
	sumInts := int64(0)
	for idx, w := range rawWeights {
		normalized := w / sum
		amount := total.Mul(decimal.NewFromFloat(normalized))
		i, _ := precision.ToInt(amount, prec)
		ints[idx] = i
		sumInts += i
	}

	diff := totalInt - sumInts
	if diff != 0 && n > 0 {
		largest := 0
		for idx := 1; idx < n; idx++ {
			if ints[idx] > ints[largest] {
				largest = idx
			}
		}
		ints[largest] += diff
	}

	sizes = make([]decimal.Decimal, n)
	leftover = decimal.Zero
	for idx, i := range ints {
		v := precision.ToFloat(i, prec)
		if v.LessThan(minSize) {
			leftover = leftover.Add(v)
			sizes[idx] = decimal.Zero
			continue
		}
		sizes[idx] = v
	}
	return sizes, leftover
}

// DiffResult is the planner's emitted action set plus a counter of
// role-assignment reassignments the guard dropped.
type DiffResult struct {
	Actions                    []core.Action
	SpreadRoleConversionBlocked int
}

// DiffToActions compares target against master and emits a deterministic,
// total action set: CREATE for target slots with no matching active slot,
// UPDATE for active slots whose target size differs by at least
// regenPct, CANCEL for active slots no longer targeted. CREATE actions are
// ordered nearest-to-market first. A slot ACTIVE/PARTIAL on-chain is never
// reassigned to SPREAD in the same plan.
func DiffToActions(master *grid.MasterGrid, target map[string]TargetSlot, marketPrice decimal.Decimal, regenPct decimal.Decimal) DiffResult {
	result := DiffResult{}

	var creates []core.Action

	for id, t := range target {
		existing, ok := master.Get(id)
		if !ok || !existing.IsLive() {
			creates = append(creates, core.Action{
				Kind:  core.ActionCreate,
				SlotID: id,
				Type:  t.Type,
				Price: t.Price,
				Size:  t.Size,
			})
			continue
		}

		if existing.Type != t.Type && t.Type == core.SlotSpread {
			result.SpreadRoleConversionBlocked++
			continue
		}

		if existing.Size.IsZero() {
			continue
		}
		delta := t.Size.Sub(existing.Size).Div(existing.Size).Abs()
		if delta.GreaterThanOrEqual(regenPct) {
			result.Actions = append(result.Actions, core.Action{
				Kind:     core.ActionUpdate,
				SlotID:   id,
				Type:     t.Type,
				OrderID:  existing.OrderID,
				NewPrice: t.Price,
				NewSize:  t.Size,
			})
		}
	}

	for id, s := range master.AllSlots() {
		if !s.IsLive() {
			continue
		}
		if _, stillTargeted := target[id]; !stillTargeted {
			result.Actions = append(result.Actions, core.Action{
				Kind:    core.ActionCancel,
				SlotID:  id,
				OrderID: s.OrderID,
			})
		}
	}

	sort.SliceStable(creates, func(i, j int) bool {
		di := creates[i].Price.Sub(marketPrice).Abs()
		dj := creates[j].Price.Sub(marketPrice).Abs()
		return di.LessThan(dj)
	})

	result.Actions = append(creates, result.Actions...)
	return result
}

// RMSDivergence computes sqrt(sum(e_k^2) / N) between current and ideal
// sizes, matched by slot id; e_k = (current-ideal)/ideal, and an unmatched
// id (present in one map but not the other) contributes e = 1.
func RMSDivergence(current, ideal map[string]decimal.Decimal) decimal.Decimal {
	ids := make(map[string]struct{}, len(current)+len(ideal))
	for id := range current {
		ids[id] = struct{}{}
	}
	for id := range ideal {
		ids[id] = struct{}{}
	}
	if len(ids) == 0 {
		return decimal.Zero
	}

	sumSquares := 0.0
	for id := range ids {
		c, okC := current[id]
		i, okI := ideal[id]
		var e float64
		if !okC || !okI || i.IsZero() {
			e = 1
		} else {
			e = c.Sub(i).Div(i).InexactFloat64()
		}
		sumSquares += e * e
	}

	metric := math.Sqrt(sumSquares / float64(len(ids)))
	return decimal.NewFromFloat(metric)
}
