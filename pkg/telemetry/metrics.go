package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricLiquidationsTotal       = "liqhunter_liquidations_total"
	MetricLiquidationsDropped     = "liqhunter_liquidations_dropped_total"
	MetricWindowVolumeUSDT        = "liqhunter_window_volume_usdt"
	MetricEntriesSubmittedTotal   = "liqhunter_entries_submitted_total"
	MetricEntriesFilledTotal      = "liqhunter_entries_filled_total"
	MetricTranchesActive          = "liqhunter_tranches_active"
	MetricTranchesUnprotected     = "liqhunter_tranches_unprotected"
	MetricProtectionRebuildsTotal = "liqhunter_protection_rebuilds_total"
	MetricProtectionFailuresTotal = "liqhunter_protection_failures_total"
	MetricFastpathClosesTotal     = "liqhunter_fastpath_closes_total"
	MetricReconcilerCorrections   = "liqhunter_reconciler_corrections_total"
	MetricGovernorWeightUsed      = "liqhunter_governor_weight_used"
	MetricGovernorOrdersUsed      = "liqhunter_governor_orders_used"
	MetricGovernorThrottledTotal  = "liqhunter_governor_throttled_total"
	MetricEvaluationLatency       = "liqhunter_evaluation_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	LiquidationsTotal       metric.Int64Counter
	LiquidationsDropped     metric.Int64Counter
	WindowVolumeUSDT        metric.Float64ObservableGauge
	EntriesSubmittedTotal   metric.Int64Counter
	EntriesFilledTotal      metric.Int64Counter
	TranchesActive          metric.Int64ObservableGauge
	TranchesUnprotected     metric.Int64ObservableGauge
	ProtectionRebuildsTotal metric.Int64Counter
	ProtectionFailuresTotal metric.Int64Counter
	FastpathClosesTotal     metric.Int64Counter
	ReconcilerCorrections   metric.Int64Counter
	GovernorWeightUsed      metric.Int64ObservableGauge
	GovernorOrdersUsed      metric.Int64ObservableGauge
	GovernorThrottledTotal  metric.Int64Counter
	EvaluationLatency       metric.Float64Histogram

	// State for observable gauges: keys are "SYMBOL/SIDE" for per-leg
	// gauges and plain names for governor occupancy.
	mu              sync.RWMutex
	windowVolumeMap map[string]float64
	tranchesMap     map[string]int64
	unprotectedMap  map[string]int64
	governorGauges  map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			windowVolumeMap: make(map[string]float64),
			tranchesMap:     make(map[string]int64),
			unprotectedMap:  make(map[string]int64),
			governorGauges:  make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.LiquidationsTotal, err = meter.Int64Counter(MetricLiquidationsTotal, metric.WithDescription("Forced-order events ingested"))
	if err != nil {
		return err
	}

	m.LiquidationsDropped, err = meter.Int64Counter(MetricLiquidationsDropped, metric.WithDescription("Forced-order events persisted but dropped from the evaluation queue"))
	if err != nil {
		return err
	}

	m.EntriesSubmittedTotal, err = meter.Int64Counter(MetricEntriesSubmittedTotal, metric.WithDescription("Entry orders submitted"))
	if err != nil {
		return err
	}

	m.EntriesFilledTotal, err = meter.Int64Counter(MetricEntriesFilledTotal, metric.WithDescription("Entry orders filled"))
	if err != nil {
		return err
	}

	m.ProtectionRebuildsTotal, err = meter.Int64Counter(MetricProtectionRebuildsTotal, metric.WithDescription("Protection cancel-and-replace operations"))
	if err != nil {
		return err
	}

	m.ProtectionFailuresTotal, err = meter.Int64Counter(MetricProtectionFailuresTotal, metric.WithDescription("Protection placements that exhausted retries"))
	if err != nil {
		return err
	}

	m.FastpathClosesTotal, err = meter.Int64Counter(MetricFastpathClosesTotal, metric.WithDescription("Tranches closed by the fast-path monitor"))
	if err != nil {
		return err
	}

	m.ReconcilerCorrections, err = meter.Int64Counter(MetricReconcilerCorrections, metric.WithDescription("Reconciler corrections by kind"))
	if err != nil {
		return err
	}

	m.GovernorThrottledTotal, err = meter.Int64Counter(MetricGovernorThrottledTotal, metric.WithDescription("Requests delayed or queued by the governor"))
	if err != nil {
		return err
	}

	m.EvaluationLatency, err = meter.Float64Histogram(MetricEvaluationLatency, metric.WithDescription("Liquidation event to entry decision latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.WindowVolumeUSDT, err = meter.Float64ObservableGauge(MetricWindowVolumeUSDT, metric.WithDescription("Rolling window liquidation volume"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.windowVolumeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("key", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TranchesActive, err = meter.Int64ObservableGauge(MetricTranchesActive, metric.WithDescription("Live tranches per position leg"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.tranchesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("key", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TranchesUnprotected, err = meter.Int64ObservableGauge(MetricTranchesUnprotected, metric.WithDescription("Tranches currently lacking protection"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.unprotectedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("key", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.GovernorWeightUsed, err = meter.Int64ObservableGauge(MetricGovernorWeightUsed, metric.WithDescription("Request weight consumed in the current minute window"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.governorGauges["weight_used"])
			return nil
		}))
	if err != nil {
		return err
	}

	m.GovernorOrdersUsed, err = meter.Int64ObservableGauge(MetricGovernorOrdersUsed, metric.WithDescription("Order count consumed in the current minute window"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.governorGauges["orders_used"])
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetWindowVolume(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowVolumeMap[key] = value
}

func (m *MetricsHolder) SetTranchesActive(key string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tranchesMap[key] = count
}

func (m *MetricsHolder) SetTranchesUnprotected(key string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unprotectedMap[key] = count
}

func (m *MetricsHolder) SetGovernorUsage(weightUsed, ordersUsed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.governorGauges["weight_used"] = weightUsed
	m.governorGauges["orders_used"] = ordersUsed
}

func (m *MetricsHolder) GetWindowVolumes() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.windowVolumeMap))
	for k, v := range m.windowVolumeMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetTranchesActive() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.tranchesMap))
	for k, v := range m.tranchesMap {
		res[k] = v
	}
	return res
}
