// Package metrics exposes Runtime & Phase Statistics (spec §3.4) and
// event-bus connection health as Prometheus metrics, in the shape
// pkg/metrics and pkg/datastorage/metrics register their own counters and
// histograms against a *prometheus.Registry: package-level label schemas,
// a constructor that wires every collector into the registry up front, and
// Record* methods the rest of the pipeline calls as work happens.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nepenth/kb-pipeline/internal/domain"
	"github.com/nepenth/kb-pipeline/internal/eventbus/broker"
)

// Metrics bundles every collector the pipeline registers. It is safe for
// concurrent use: every field is a prometheus.Collector, and Prometheus
// vectors are themselves concurrency-safe.
type Metrics struct {
	ItemsProcessedTotal *prometheus.CounterVec
	PhaseDuration       *prometheus.HistogramVec
	PhaseMetricValue    *prometheus.GaugeVec
	RunTotalsValue      *prometheus.GaugeVec

	ValidationFailuresTotal *prometheus.CounterVec
	RepairAttemptsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates every metric under namespace and registers it with registry.
// Pass a fresh *prometheus.Registry in tests to avoid duplicate
// registration panics across test cases; production wiring should use
// prometheus.NewRegistry() once at startup.
func New(namespace string, registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ItemsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Items that completed the ingestion pipeline, labeled by terminal result.",
		}, []string{"result"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock time spent in a single phase invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		PhaseMetricValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_metric_value",
			Help:      "Latest value of a named per-run phase metric (domain.PhaseMetric).",
		}, []string{"run_id", "phase", "metric_name"}),
		RunTotalsValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_totals_value",
			Help:      "Latest value of a named field of a run's summary totals (domain.RunTotals).",
		}, []string{"run_id", "field"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Integrity check failures observed by the validator, labeled by check name.",
		}, []string{"check"}),
		RepairAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_attempts_total",
			Help:      "Validator repair attempts, labeled by outcome (repaired, failed).",
		}, []string{"outcome"}),
		registry: registry,
	}

	registry.MustRegister(
		m.ItemsProcessedTotal,
		m.PhaseDuration,
		m.PhaseMetricValue,
		m.RunTotalsValue,
		m.ValidationFailuresTotal,
		m.RepairAttemptsTotal,
	)
	return m
}

// RecordItemResult increments the terminal-result counter for one item.
func (m *Metrics) RecordItemResult(result string) {
	m.ItemsProcessedTotal.WithLabelValues(result).Inc()
}

// RecordPhaseDuration observes how long one phase invocation took.
func (m *Metrics) RecordPhaseDuration(phase string, seconds float64) {
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordPhaseMetric mirrors one domain.PhaseMetric row onto a gauge, so the
// same metric store.StatsStore persists is visible to scrapers without a
// separate polling loop.
func (m *Metrics) RecordPhaseMetric(pm *domain.PhaseMetric) {
	m.PhaseMetricValue.WithLabelValues(pm.RunID, pm.Phase, pm.MetricName).Set(pm.MetricValue)
}

// RecordRunTotals mirrors one domain.RunTotals row onto per-field gauges.
// Run totals are cumulative snapshots (spec §3.4), so every call overwrites
// rather than accumulates.
func (m *Metrics) RecordRunTotals(t *domain.RunTotals) {
	fields := map[string]float64{
		"processed":       float64(t.Processed),
		"success":         float64(t.Success),
		"error":           float64(t.Error),
		"skipped":         float64(t.Skipped),
		"media_processed": float64(t.MediaProcessed),
		"cache_hits":      float64(t.CacheHits),
		"cache_misses":    float64(t.CacheMisses),
		"network_errors":  float64(t.NetworkErrors),
		"retry_count":     float64(t.RetryCount),
		"duration":        t.Duration,
		"success_rate":    t.SuccessRate,
		"error_rate":      t.ErrorRate,
		"cache_hit_rate":  t.CacheHitRate,
		"avg_retries":     t.AvgRetries,
	}
	for field, v := range fields {
		m.RunTotalsValue.WithLabelValues(t.RunID, field).Set(v)
	}
}

// RecordValidationFailure increments the named integrity check's failure
// counter (internal/validator C4.2).
func (m *Metrics) RecordValidationFailure(check string) {
	m.ValidationFailuresTotal.WithLabelValues(check).Inc()
}

// RecordRepairAttempt increments the repair outcome counter.
func (m *Metrics) RecordRepairAttempt(repaired bool) {
	outcome := "repaired"
	if !repaired {
		outcome = "failed"
	}
	m.RepairAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RegisterEventBus wires the Ingestor/Broadcaster's connection-health
// snapshot into the registry. Call once at startup with the running
// *broker.Broker's Stats method.
func (m *Metrics) RegisterEventBus(namespace string, statsFunc func() broker.HealthStats) {
	m.registry.MustRegister(NewEventBusCollector(namespace, statsFunc))
}

// Handler returns the HTTP handler an operator runtime API mounts at
// /metrics for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
