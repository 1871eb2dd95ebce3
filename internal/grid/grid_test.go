package grid

import (
	"context"
	"testing"

	"dexgrid/internal/asynclock"
	"dexgrid/internal/core"

	apperrors "dexgrid/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slot(id string, state core.SlotState) core.Slot {
	return core.Slot{ID: id, Type: core.SlotBuy, State: state, Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1)}
}

func TestCommitSucceedsOnMatchingVersion(t *testing.T) {
	master := NewMasterGrid(0, map[string]core.Slot{"slot-1": slot("slot-1", core.SlotVirtual)})
	var ref *MasterGrid = master
	lock := asynclock.New()

	wg := NewWorkingGrid(master)
	wg.Set("slot-1", slot("slot-1", core.SlotActive))

	next, err := wg.Commit(context.Background(), &ref, lock)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Version())

	got, ok := ref.Get("slot-1")
	require.True(t, ok)
	assert.Equal(t, core.SlotActive, got.State)
}

func TestCommitRejectsStaleBase(t *testing.T) {
	master := NewMasterGrid(0, map[string]core.Slot{"slot-1": slot("slot-1", core.SlotVirtual)})
	var ref *MasterGrid = master
	lock := asynclock.New()

	wg := NewWorkingGrid(master)
	wg.Set("slot-1", slot("slot-1", core.SlotActive))

	// another writer publishes first, advancing the version.
	other := NewWorkingGrid(master)
	other.Set("slot-1", slot("slot-1", core.SlotPartial))
	_, err := other.Commit(context.Background(), &ref, lock)
	require.NoError(t, err)

	_, err = wg.Commit(context.Background(), &ref, lock)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CommitStaleBase))

	// master must be unchanged by the rejected commit.
	got, _ := ref.Get("slot-1")
	assert.Equal(t, core.SlotPartial, got.State)
	assert.Equal(t, uint64(1), ref.Version())
}

func TestCommitRejectsEmptyOverlay(t *testing.T) {
	master := NewMasterGrid(0, map[string]core.Slot{"slot-1": slot("slot-1", core.SlotVirtual)})
	var ref *MasterGrid = master
	lock := asynclock.New()

	wg := NewWorkingGrid(master)
	_, err := wg.Commit(context.Background(), &ref, lock)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CommitEmptyDelta))
	assert.Equal(t, uint64(0), ref.Version())
}

func TestWorkingGridReadFallsThroughToMaster(t *testing.T) {
	master := NewMasterGrid(0, map[string]core.Slot{"slot-1": slot("slot-1", core.SlotVirtual)})
	wg := NewWorkingGrid(master)

	got, ok := wg.Get("slot-1")
	require.True(t, ok)
	assert.Equal(t, core.SlotVirtual, got.State)

	wg.Set("slot-1", slot("slot-1", core.SlotActive))
	got, ok = wg.Get("slot-1")
	require.True(t, ok)
	assert.Equal(t, core.SlotActive, got.State)

	// master itself must be untouched until commit.
	got, ok = master.Get("slot-1")
	require.True(t, ok)
	assert.Equal(t, core.SlotVirtual, got.State)
}
