package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nepenth/kb-pipeline/internal/eventbus/broker"
)

// EventBusCollector adapts broker.Broker.Stats, a cumulative snapshot kept
// by the Ingestor/Broadcaster's own connection-health monitor, into
// Prometheus metrics. It is a prometheus.Collector rather than a set of
// Record* calls because the broker already owns the counters (health.go's
// healthMonitor); re-deriving them here with a second set of Inc() calls
// would double-track state the broker already tracks, so the collector
// reads the snapshot fresh on every scrape instead.
type EventBusCollector struct {
	namespace string
	stats     func() broker.HealthStats
}

// NewEventBusCollector wraps statsFunc, typically (*broker.Broker).Stats.
func NewEventBusCollector(namespace string, statsFunc func() broker.HealthStats) *EventBusCollector {
	return &EventBusCollector{namespace: namespace, stats: statsFunc}
}

func (c *EventBusCollector) descs() []*prometheus.Desc {
	ns := c.namespace
	return []*prometheus.Desc{
		prometheus.NewDesc(ns+"_eventbus_healthy", "1 if the broker's transport subscription is currently healthy.", nil, nil),
		prometheus.NewDesc(ns+"_eventbus_consecutive_failures", "Consecutive subscription failures observed since the last success.", nil, nil),
		prometheus.NewDesc(ns+"_eventbus_reconnect_attempts", "Reconnect attempts made during the current outage.", nil, nil),
		prometheus.NewDesc(ns+"_eventbus_reconnections_total", "Total reconnect attempts started since startup.", nil, nil),
		prometheus.NewDesc(ns+"_eventbus_events_rate_limited_total", "Events dropped by the rate limiter.", nil, nil),
		prometheus.NewDesc(ns+"_eventbus_events_buffered_total", "Events buffered while the broker was unhealthy.", nil, nil),
		prometheus.NewDesc(ns+"_eventbus_events_processed_total", "Events received and successfully unmarshaled.", nil, nil),
		prometheus.NewDesc(ns+"_eventbus_events_rejected_total", "Events rejected as malformed or failing validation.", nil, nil),
	}
}

func (c *EventBusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs() {
		ch <- d
	}
}

func (c *EventBusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	descs := c.descs()

	healthy := 0.0
	if s.Healthy {
		healthy = 1.0
	}

	ch <- prometheus.MustNewConstMetric(descs[0], prometheus.GaugeValue, healthy)
	ch <- prometheus.MustNewConstMetric(descs[1], prometheus.GaugeValue, float64(s.ConsecutiveFailures))
	ch <- prometheus.MustNewConstMetric(descs[2], prometheus.GaugeValue, float64(s.ReconnectAttempts))
	ch <- prometheus.MustNewConstMetric(descs[3], prometheus.CounterValue, float64(s.Reconnections))
	ch <- prometheus.MustNewConstMetric(descs[4], prometheus.CounterValue, float64(s.EventsRateLimited))
	ch <- prometheus.MustNewConstMetric(descs[5], prometheus.CounterValue, float64(s.EventsBuffered))
	ch <- prometheus.MustNewConstMetric(descs[6], prometheus.CounterValue, float64(s.EventsProcessed))
	ch <- prometheus.MustNewConstMetric(descs[7], prometheus.CounterValue, float64(s.EventsRejected))
}
