package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, one instrument per grid-engine event named in the
// maintenance-tick and commit design.
const (
	MetricCommitsTotal        = "dexgrid_commits_total"
	MetricCommitAbortsTotal   = "dexgrid_commit_aborts_total"
	MetricStaleFastPathTotal  = "dexgrid_stale_fast_path_total"
	MetricRecoverySyncsTotal  = "dexgrid_recovery_syncs_total"
	MetricTickDurationMs      = "dexgrid_tick_duration_ms"
	MetricBroadcastLatencyMs  = "dexgrid_broadcast_latency_ms"
	MetricFundDriftPercent    = "dexgrid_fund_drift_percent"
	MetricActiveSlots         = "dexgrid_active_slots"
	MetricNodeBlacklistedTotal = "dexgrid_node_blacklisted_total"
)

// MetricsHolder holds initialized instruments for every running bot. Series
// are keyed by bot name via the "bot" attribute.
type MetricsHolder struct {
	CommitsTotal       metric.Int64Counter
	CommitAbortsTotal  metric.Int64Counter
	StaleFastPathTotal metric.Int64Counter
	RecoverySyncsTotal metric.Int64Counter
	TickDurationMs     metric.Float64Histogram
	BroadcastLatencyMs metric.Float64Histogram
	ActiveSlots        metric.Int64ObservableGauge
	FundDriftPercent   metric.Float64ObservableGauge
	NodeBlacklistedTotal metric.Int64Counter

	mu              sync.RWMutex
	activeSlotsMap  map[string]int64
	fundDriftMap    map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics singleton.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeSlotsMap: make(map[string]int64),
			fundDriftMap:   make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics registers every instrument against meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CommitsTotal, err = meter.Int64Counter(MetricCommitsTotal, metric.WithDescription("Successful grid commits"))
	if err != nil {
		return err
	}
	m.CommitAbortsTotal, err = meter.Int64Counter(MetricCommitAbortsTotal, metric.WithDescription("Aborted grid commits, by reason"))
	if err != nil {
		return err
	}
	m.StaleFastPathTotal, err = meter.Int64Counter(MetricStaleFastPathTotal, metric.WithDescription("Stale-order fast-path exits"))
	if err != nil {
		return err
	}
	m.RecoverySyncsTotal, err = meter.Int64Counter(MetricRecoverySyncsTotal, metric.WithDescription("Recovery syncs triggered by illegal order state"))
	if err != nil {
		return err
	}
	m.NodeBlacklistedTotal, err = meter.Int64Counter(MetricNodeBlacklistedTotal, metric.WithDescription("Node blacklist events"))
	if err != nil {
		return err
	}
	m.TickDurationMs, err = meter.Float64Histogram(MetricTickDurationMs, metric.WithDescription("Maintenance tick wall time"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	m.BroadcastLatencyMs, err = meter.Float64Histogram(MetricBroadcastLatencyMs, metric.WithDescription("Time from broadcast submit to chain confirmation"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ActiveSlots, err = meter.Int64ObservableGauge(MetricActiveSlots, metric.WithDescription("Active (on-chain) slots per bot"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for bot, val := range m.activeSlotsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("bot", bot)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.FundDriftPercent, err = meter.Float64ObservableGauge(MetricFundDriftPercent, metric.WithDescription("Last observed fund drift percentage"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for bot, val := range m.fundDriftMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("bot", bot)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetActiveSlots records the current live-slot count for bot.
func (m *MetricsHolder) SetActiveSlots(bot string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSlotsMap[bot] = count
}

// SetFundDrift records the last computed drift percentage for bot.
func (m *MetricsHolder) SetFundDrift(bot string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundDriftMap[bot] = pct
}
