package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dexgrid/internal/core"

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

func newTestStore(t *testing.T) *Store {
	dbPath := filepath.Join(t.TempDir(), "bots.db")
	s, err := New(dbPath, stubLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleState(botKey string) core.BotState {
	return core.BotState{
		BotKey: botKey,
		Meta:   map[string]string{"pair": "BTC/USD"},
		Grid: []core.Slot{
			{ID: "slot-1", Type: core.SlotBuy, State: core.SlotActive, Price: decimal.RequireFromString("10"), Size: decimal.RequireFromString("1"), OrderID: "1.7.5"},
			{ID: "slot-2", Type: core.SlotSpread, State: core.SlotVirtual, OrderID: "slot-2"},
		},
		CacheFunds:     map[core.SlotType]decimal.Decimal{core.SlotBuy: decimal.RequireFromString("2.5")},
		BtsFeesOwed:    decimal.Zero,
		BoundaryIdx:    1,
		Assets:         map[string]core.Asset{"1.3.0": {ID: "1.3.0", Precision: 5}},
		ProcessedFills: map[string]time.Time{"1.7.5:1:h1": time.Now()},
		LastUpdated:    time.Now(),
	}
}

func TestSaveAndLoadStateRoundTrips(t *testing.T) {
	s := newTestStore(t)
	state := sampleState("bot-a")

	require.NoError(t, s.SaveState(context.Background(), state))

	loaded, err := s.LoadState(context.Background(), "bot-a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "bot-a", loaded.BotKey)
	assert.Len(t, loaded.Grid, 2)
}

func TestSaveStateNormalizesVirtualSlotOrderIDs(t *testing.T) {
	s := newTestStore(t)
	state := sampleState("bot-b")
	require.NoError(t, s.SaveState(context.Background(), state))

	loaded, err := s.LoadState(context.Background(), "bot-b")
	require.NoError(t, err)
	for _, slot := range loaded.Grid {
		if slot.State == core.SlotVirtual || slot.Type == core.SlotSpread {
			assert.Equal(t, core.ChainId(""), slot.OrderID, "a VIRTUAL/SPREAD slot must never persist its slot id as an order id")
		}
	}
}

func TestLoadStateMissingBotReturnsNil(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadState(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestCleanOldProcessedFillsPrunesByAge(t *testing.T) {
	s := newTestStore(t)
	state := sampleState("bot-c")
	state.ProcessedFills = map[string]time.Time{
		"stale:1:h":  time.Now().Add(-2 * time.Hour),
		"recent:1:h": time.Now(),
	}
	require.NoError(t, s.SaveState(context.Background(), state))

	require.NoError(t, s.CleanOldProcessedFills(context.Background(), "bot-c", time.Hour))

	loaded, err := s.LoadState(context.Background(), "bot-c")
	require.NoError(t, err)
	assert.Len(t, loaded.ProcessedFills, 1)
	_, stillPresent := loaded.ProcessedFills["recent:1:h"]
	assert.True(t, stillPresent)
}

func TestTwoBotsDoNotRaceOnIndependentKeys(t *testing.T) {
	s := newTestStore(t)
	done := make(chan error, 2)
	go func() { done <- s.SaveState(context.Background(), sampleState("bot-x")) }()
	go func() { done <- s.SaveState(context.Background(), sampleState("bot-y")) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
