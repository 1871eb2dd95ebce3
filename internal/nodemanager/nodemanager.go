// Package nodemanager ranks chain RPC endpoints by latency and blacklists
// ones that fail a health probe: each candidate endpoint is dialed,
// pinged, and timed concurrently, with backoff on failure, and the
// resulting per-endpoint health records replace a blacklisted endpoint
// with the next best-ranked one.
package nodemanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dexgrid/internal/asynclock"
	"dexgrid/internal/core"
	"dexgrid/pkg/concurrency"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// NodeHealth is one endpoint's liveness/latency record (SPEC_FULL.md §5).
type NodeHealth struct {
	Endpoint            string
	Latency             time.Duration
	ConsecutiveFailures int
	BlacklistedUntil    time.Time
}

func (h NodeHealth) blacklisted(now time.Time) bool {
	return now.Before(h.BlacklistedUntil)
}

// Config tunes probing cadence and blacklist duration.
type Config struct {
	ProbeTimeout      time.Duration
	ProbeInterval     time.Duration
	BlacklistBase     time.Duration
	BlacklistMax      time.Duration
	FailuresToBlacklist int
	ProbesPerSecond   float64
}

// Dialer abstracts the websocket dial so tests can substitute a fake
// transport without opening a real socket.
type Dialer func(ctx context.Context, endpoint string) error

// NodeManager maintains a latency-ranked pool of candidate chain RPC
// endpoints, probing each concurrently and suspending ones that fail
// repeatedly until a backoff window elapses.
type NodeManager struct {
	cfg    Config
	dialer Dialer
	logger core.ILogger

	limiter *rate.Limiter
	pool    *concurrency.WorkerPool

	mu       sync.Mutex
	lock     *asynclock.Lock
	byEndpoint map[string]*NodeHealth
}

// New builds a NodeManager over the given candidate endpoints. dialer
// defaults to a real gorilla/websocket dial-and-close round trip when nil.
func New(cfg Config, endpoints []string, dialer Dialer, logger core.ILogger) *NodeManager {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.BlacklistBase <= 0 {
		cfg.BlacklistBase = 10 * time.Second
	}
	if cfg.BlacklistMax <= 0 {
		cfg.BlacklistMax = 5 * time.Minute
	}
	if cfg.FailuresToBlacklist <= 0 {
		cfg.FailuresToBlacklist = 3
	}
	if cfg.ProbesPerSecond <= 0 {
		cfg.ProbesPerSecond = 5
	}
	if dialer == nil {
		dialer = dialWebsocket
	}

	byEndpoint := make(map[string]*NodeHealth, len(endpoints))
	for _, e := range endpoints {
		byEndpoint[e] = &NodeHealth{Endpoint: e}
	}

	return &NodeManager{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.WithField("component", "node_manager"),
		limiter: rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), int(cfg.ProbesPerSecond)+1),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "node_manager_probe",
			MaxWorkers:  len(endpoints) + 1,
			MaxCapacity: len(endpoints)*2 + 1,
		}, logger),
		lock:       asynclock.New(),
		byEndpoint: byEndpoint,
	}
}

func dialWebsocket(ctx context.Context, endpoint string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("nodemanager: dial %s: %w", endpoint, err)
	}
	return conn.Close()
}

// ProbeAll concurrently pings every candidate endpoint and updates its
// health record: a success clears consecutiveFailures and blacklisting, and
// once consecutive failures reach FailuresToBlacklist each further failure
// suspends the node for an exponentially
// growing window capped at BlacklistMax.
func (nm *NodeManager) ProbeAll(ctx context.Context) {
	_, _ = asynclock.Acquire(ctx, nm.lock, asynclock.Options{}, func(ctx context.Context) (struct{}, error) {
		nm.mu.Lock()
		endpoints := make([]string, 0, len(nm.byEndpoint))
		for e := range nm.byEndpoint {
			endpoints = append(endpoints, e)
		}
		nm.mu.Unlock()

		var wg sync.WaitGroup
		for _, e := range endpoints {
			e := e
			wg.Add(1)
			if err := nm.pool.Submit(func() {
				defer wg.Done()
				nm.probeOne(ctx, e)
			}); err != nil {
				wg.Done()
				nm.logger.Warn("probe submit dropped", "endpoint", e, "error", err)
			}
		}
		wg.Wait()
		return struct{}{}, nil
	})
}

func (nm *NodeManager) probeOne(ctx context.Context, endpoint string) {
	if err := nm.limiter.Wait(ctx); err != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, nm.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := nm.dialer(probeCtx, endpoint)
	elapsed := time.Since(start)

	nm.mu.Lock()
	defer nm.mu.Unlock()
	h, ok := nm.byEndpoint[endpoint]
	if !ok {
		return
	}

	if err != nil {
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= nm.cfg.FailuresToBlacklist {
			backoff := nm.cfg.BlacklistBase * time.Duration(1<<uint(h.ConsecutiveFailures-nm.cfg.FailuresToBlacklist))
			if backoff > nm.cfg.BlacklistMax || backoff <= 0 {
				backoff = nm.cfg.BlacklistMax
			}
			h.BlacklistedUntil = time.Now().Add(backoff)
			nm.logger.Warn("node blacklisted", "endpoint", endpoint, "failures", h.ConsecutiveFailures, "until", h.BlacklistedUntil)
		}
		return
	}

	if !h.BlacklistedUntil.IsZero() {
		nm.logger.Info("node recovered, un-blacklisting", "endpoint", endpoint)
	}
	h.ConsecutiveFailures = 0
	h.BlacklistedUntil = time.Time{}
	h.Latency = elapsed
}

// Best returns the lowest-latency non-blacklisted endpoint. ok is false
// when every candidate is currently blacklisted.
func (nm *NodeManager) Best() (string, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	now := time.Now()
	var candidates []*NodeHealth
	for _, h := range nm.byEndpoint {
		if !h.blacklisted(now) {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Latency < candidates[j].Latency })
	return candidates[0].Endpoint, true
}

// Ranked returns every endpoint's current health record, lowest latency
// first, non-blacklisted nodes before blacklisted ones.
func (nm *NodeManager) Ranked() []NodeHealth {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	now := time.Now()
	out := make([]NodeHealth, 0, len(nm.byEndpoint))
	for _, h := range nm.byEndpoint {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].blacklisted(now), out[j].blacklisted(now)
		if bi != bj {
			return !bi
		}
		return out[i].Latency < out[j].Latency
	})
	return out
}
