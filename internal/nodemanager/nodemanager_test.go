package nodemanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dexgrid/internal/core"

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

func newTestManager(t *testing.T, dialer Dialer) *NodeManager {
	return New(Config{
		ProbeTimeout:        time.Second,
		BlacklistBase:       10 * time.Millisecond,
		BlacklistMax:        50 * time.Millisecond,
		FailuresToBlacklist: 2,
		ProbesPerSecond:     1000,
	}, []string{"node-a", "node-b"}, dialer, stubLogger{})
}

func TestProbeAllRanksByLatency(t *testing.T) {
	nm := newTestManager(t, func(ctx context.Context, endpoint string) error {
		if endpoint == "node-a" {
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	})
	nm.ProbeAll(context.Background())

	best, ok := nm.Best()
	require.True(t, ok)
	assert.Equal(t, "node-b", best)
}

func TestProbeAllBlacklistsAfterRepeatedFailures(t *testing.T) {
	nm := newTestManager(t, func(ctx context.Context, endpoint string) error {
		if endpoint == "node-a" {
			return errors.New("connection refused")
		}
		return nil
	})

	nm.ProbeAll(context.Background())
	nm.ProbeAll(context.Background())

	best, ok := nm.Best()
	require.True(t, ok)
	assert.Equal(t, "node-b", best)

	ranked := nm.Ranked()
	require.Len(t, ranked, 2)
	var a NodeHealth
	for _, h := range ranked {
		if h.Endpoint == "node-a" {
			a = h
		}
	}
	assert.True(t, a.blacklisted(time.Now()))
}

func TestBlacklistedNodeRecoversAfterSuccessfulProbe(t *testing.T) {
	var failing sync.Map
	failing.Store("node-a", true)

	nm := newTestManager(t, func(ctx context.Context, endpoint string) error {
		if v, _ := failing.Load(endpoint); v == true {
			return errors.New("unreachable")
		}
		return nil
	})

	nm.ProbeAll(context.Background())
	nm.ProbeAll(context.Background())
	if _, ok := nm.Best(); !ok {
		t.Fatal("expected node-b to remain available")
	}

	time.Sleep(15 * time.Millisecond)
	failing.Store("node-a", false)
	nm.ProbeAll(context.Background())

	ranked := nm.Ranked()
	for _, h := range ranked {
		if h.Endpoint == "node-a" {
			assert.Equal(t, 0, h.ConsecutiveFailures)
			assert.False(t, h.blacklisted(time.Now()))
		}
	}
}

func TestBestReturnsFalseWhenAllBlacklisted(t *testing.T) {
	nm := newTestManager(t, func(ctx context.Context, endpoint string) error {
		return errors.New("down")
	})
	nm.ProbeAll(context.Background())
	nm.ProbeAll(context.Background())

	_, ok := nm.Best()
	assert.False(t, ok)
}
