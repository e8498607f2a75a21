// Package telemetry wires OpenTelemetry tracing and metrics for the
// harvester behind a process-wide singleton of typed instruments.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricFundingReceivedTotal = "harvester_funding_received_total"
	MetricMarginRatio          = "harvester_margin_ratio"
	MetricExposureUSD          = "harvester_delta_exposure_usd"
	MetricPositionsOpen        = "harvester_positions_open"
	MetricOpportunitiesScanned = "harvester_opportunities_scanned_total"
	MetricEntriesExecuted      = "harvester_entries_executed_total"
	MetricPanicClosesTotal     = "harvester_panic_closes_total"
	MetricExecutionLatencyMs   = "harvester_execution_latency_ms"
	MetricGatewayLatencyMs     = "harvester_gateway_latency_ms"
	MetricWatchdogRung         = "harvester_watchdog_rung"
)

// MetricsHolder holds every initialized instrument the engine reports.
type MetricsHolder struct {
	FundingReceivedTotal metric.Float64Counter
	OpportunitiesScanned metric.Int64Counter
	EntriesExecuted      metric.Int64Counter
	PanicClosesTotal     metric.Int64Counter
	ExecutionLatencyMs   metric.Float64Histogram
	GatewayLatencyMs     metric.Float64Histogram

	MarginRatio   metric.Float64ObservableGauge
	ExposureUSD   metric.Float64ObservableGauge
	PositionsOpen metric.Int64ObservableGauge
	WatchdogRung  metric.Int64ObservableGauge

	mu             sync.RWMutex
	marginRatio    float64
	exposureUSD    map[string]float64
	positionsOpen  int64
	watchdogRung   int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			exposureUSD: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics creates every instrument against the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.FundingReceivedTotal, err = meter.Float64Counter(MetricFundingReceivedTotal,
		metric.WithDescription("Cumulative funding income received across all coins")); err != nil {
		return err
	}
	if m.OpportunitiesScanned, err = meter.Int64Counter(MetricOpportunitiesScanned,
		metric.WithDescription("Total funding opportunities evaluated by the scanner")); err != nil {
		return err
	}
	if m.EntriesExecuted, err = meter.Int64Counter(MetricEntriesExecuted,
		metric.WithDescription("Total successful dual-leg entries")); err != nil {
		return err
	}
	if m.PanicClosesTotal, err = meter.Int64Counter(MetricPanicClosesTotal,
		metric.WithDescription("Total positions force-closed by the panic switch")); err != nil {
		return err
	}
	if m.ExecutionLatencyMs, err = meter.Float64Histogram(MetricExecutionLatencyMs,
		metric.WithDescription("Time to complete a dual-leg execution"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.GatewayLatencyMs, err = meter.Float64Histogram(MetricGatewayLatencyMs,
		metric.WithDescription("Latency of individual gateway RPCs"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.MarginRatio, err = meter.Float64ObservableGauge(MetricMarginRatio,
		metric.WithDescription("Account equity divided by total position value"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.marginRatio)
			return nil
		})); err != nil {
		return err
	}

	if m.ExposureUSD, err = meter.Float64ObservableGauge(MetricExposureUSD,
		metric.WithDescription("Net delta exposure in USD per coin"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for coin, v := range m.exposureUSD {
				obs.Observe(v, metric.WithAttributes(attribute.String("coin", coin)))
			}
			return nil
		})); err != nil {
		return err
	}

	if m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen,
		metric.WithDescription("Number of open delta-neutral positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.positionsOpen)
			return nil
		})); err != nil {
		return err
	}

	if m.WatchdogRung, err = meter.Int64ObservableGauge(MetricWatchdogRung,
		metric.WithDescription("Current watchdog escalation rung (0=normal, 1=reconnect, 2=panic, 3=die)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.watchdogRung)
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// SetMarginRatio records the latest margin ratio for the gauge callback.
func (m *MetricsHolder) SetMarginRatio(ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marginRatio = ratio
}

// SetExposureUSD records the latest per-coin delta exposure.
func (m *MetricsHolder) SetExposureUSD(coin string, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposureUSD[coin] = usd
}

// SetPositionsOpen records the current open-position count.
func (m *MetricsHolder) SetPositionsOpen(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsOpen = n
}

// SetWatchdogRung records the current watchdog escalation rung.
func (m *MetricsHolder) SetWatchdogRung(rung int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchdogRung = rung
}
