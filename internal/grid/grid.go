// Package grid implements the copy-on-write master grid and its planning
// overlay: a VIRTUAL/ACTIVE/PARTIAL slot lifecycle with a version-gated
// two-phase commit — build a private copy, mutate it, then publish it
// atomically.
package grid

import (
	"context"

	"dexgrid/internal/asynclock"
	"dexgrid/internal/core"

	apperrors "dexgrid/pkg/errors"
)

// indexes holds the three lookup maps kept alongside the slot set: by
// state, by type, and by on-chain order id.
type indexes struct {
	byState   map[core.SlotState][]core.Slot
	byType    map[core.SlotType][]core.Slot
	byOrderID map[core.ChainId]core.Slot
}

func buildIndexes(slots map[string]core.Slot) indexes {
	idx := indexes{
		byState:   make(map[core.SlotState][]core.Slot),
		byType:    make(map[core.SlotType][]core.Slot),
		byOrderID: make(map[core.ChainId]core.Slot),
	}
	for _, s := range slots {
		idx.byState[s.State] = append(idx.byState[s.State], s)
		idx.byType[s.Type] = append(idx.byType[s.Type], s)
		if s.OrderID != "" {
			idx.byOrderID[s.OrderID] = s
		}
	}
	return idx
}

// MasterGrid is an immutable snapshot of every price slot, published by
// replacing the reference after a successful commit. It is never mutated
// in place.
type MasterGrid struct {
	version     uint64
	boundaryIdx int
	slots       map[string]core.Slot
	idx         indexes
}

// NewMasterGrid builds the initial grid (version 0) from startup state.
func NewMasterGrid(boundaryIdx int, slots map[string]core.Slot) *MasterGrid {
	cp := make(map[string]core.Slot, len(slots))
	for k, v := range slots {
		cp[k] = v
	}
	return &MasterGrid{
		version:     0,
		boundaryIdx: boundaryIdx,
		slots:       cp,
		idx:         buildIndexes(cp),
	}
}

// Version returns the grid's publish version.
func (g *MasterGrid) Version() uint64 { return g.version }

// BoundaryIdx returns the index of the topmost BUY slot.
func (g *MasterGrid) BoundaryIdx() int { return g.boundaryIdx }

// Get returns the slot with the given id, if present.
func (g *MasterGrid) Get(id string) (core.Slot, bool) {
	s, ok := g.slots[id]
	return s, ok
}

// BySlotState returns all slots in the given state.
func (g *MasterGrid) BySlotState(state core.SlotState) []core.Slot {
	return append([]core.Slot(nil), g.idx.byState[state]...)
}

// BySlotType returns all slots of the given type.
func (g *MasterGrid) BySlotType(t core.SlotType) []core.Slot {
	return append([]core.Slot(nil), g.idx.byType[t]...)
}

// ByOrderID looks up the slot backing a live chain order.
func (g *MasterGrid) ByOrderID(id core.ChainId) (core.Slot, bool) {
	s, ok := g.idx.byOrderID[id]
	return s, ok
}

// AllSlots returns a defensive copy of every slot, keyed by id.
func (g *MasterGrid) AllSlots() map[string]core.Slot {
	cp := make(map[string]core.Slot, len(g.slots))
	for k, v := range g.slots {
		cp[k] = v
	}
	return cp
}

// WorkingGrid is a mutable copy-on-write overlay on a MasterGrid version,
// used by the planner to stage CREATE/UPDATE/CANCEL effects before commit.
type WorkingGrid struct {
	base             *MasterGrid
	baseVersion      uint64
	overlay          map[string]core.Slot
	boundaryOverride *int
}

// NewWorkingGrid opens a planning overlay on top of master's current
// version.
func NewWorkingGrid(master *MasterGrid) *WorkingGrid {
	return &WorkingGrid{
		base:        master,
		baseVersion: master.Version(),
		overlay:     make(map[string]core.Slot),
	}
}

// Get reads the overlay, falling through to the base master snapshot.
func (w *WorkingGrid) Get(id string) (core.Slot, bool) {
	if s, ok := w.overlay[id]; ok {
		return s, ok
	}
	return w.base.Get(id)
}

// Set writes only to the overlay; the base master is never touched.
func (w *WorkingGrid) Set(id string, slot core.Slot) {
	w.overlay[id] = slot
}

// GetIndexes returns overlay-aware indexes: every base slot not shadowed by
// the overlay, plus every overlay slot.
func (w *WorkingGrid) GetIndexes() indexes {
	merged := w.base.AllSlots()
	for k, v := range w.overlay {
		merged[k] = v
	}
	return buildIndexes(merged)
}

// BaseVersion returns the master version this overlay was opened against.
func (w *WorkingGrid) BaseVersion() uint64 { return w.baseVersion }

// OverlaySize reports how many slots this overlay would change.
func (w *WorkingGrid) OverlaySize() int { return len(w.overlay) }

// Commit applies the overlay to masterRef under lock, but only if
// masterRef's current version still equals this overlay's base version.
// On success it returns the newly published MasterGrid with an
// incremented version. An empty overlay or a stale base is rejected
// without side effects; the master's version does not advance either way.
func (w *WorkingGrid) Commit(ctx context.Context, masterRef **MasterGrid, lock *asynclock.Lock) (*MasterGrid, error) {
	if len(w.overlay) == 0 {
		return nil, apperrors.New(apperrors.CommitEmptyDelta, "working_grid.commit", nil)
	}

	return asynclock.Acquire(ctx, lock, asynclock.Options{}, func(ctx context.Context) (*MasterGrid, error) {
		current := *masterRef
		if current.Version() != w.baseVersion {
			return nil, apperrors.New(apperrors.CommitStaleBase, "working_grid.commit", nil)
		}

		merged := current.AllSlots()
		for k, v := range w.overlay {
			merged[k] = v
		}

		boundary := current.boundaryIdx
		if w.boundaryOverride != nil {
			boundary = *w.boundaryOverride
		}

		next := &MasterGrid{
			version:     current.version + 1,
			boundaryIdx: boundary,
			slots:       merged,
			idx:         buildIndexes(merged),
		}
		*masterRef = next
		return next, nil
	})
}

// WithBoundaryIdx returns a commit variant that also updates the boundary
// index, used when a fill advances which slots sit on the buy vs sell side.
func (w *WorkingGrid) WithBoundaryIdx(idx int) *WorkingGrid {
	w2 := *w
	w2.overlay = make(map[string]core.Slot, len(w.overlay))
	for k, v := range w.overlay {
		w2.overlay[k] = v
	}
	w2.boundaryOverride = &idx
	return &w2
}
