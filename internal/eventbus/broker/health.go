package broker

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// HealthConfig tunes the failure threshold and reconnect backoff (spec §4.4
// item 5). CheckInterval is carried in the config but nothing reads it: no
// periodic liveness probe runs, and health is inferred only from
// Subscribe outcomes.
type HealthConfig struct {
	CheckInterval         time.Duration
	MaxConsecutiveFailures int
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	MaxReconnectAttempts  int
}

// DefaultHealthConfig matches spec §4.4: 30s CheckInterval (unused, see
// HealthConfig), 3 failures trip buffered mode, 1s*2^n backoff capped at
// 60s, 10 attempts.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:          30 * time.Second,
		MaxConsecutiveFailures: 3,
		BaseBackoff:            time.Second,
		MaxBackoff:             60 * time.Second,
		MaxReconnectAttempts:   10,
	}
}

// healthMonitor tracks broker liveness and schedules reconnect attempts with
// exponential backoff, grounded on ConnectionHealthMonitor. Unlike the
// original's redis.ping, "healthy" here is caller-reported (the broker's own
// Subscribe calls failing or ending early), since ports.Broker exposes no
// separate ping operation.
type healthMonitor struct {
	cfg HealthConfig
	log *slog.Logger

	mu                  sync.Mutex
	healthy             bool
	lastCheck           time.Time
	consecutiveFailures int
	reconnectAttempts   int
	lastReconnectAt      time.Time
	stats               HealthStats
	clock               func() time.Time
}

// HealthStats is the connection-health snapshot exposed for metrics
// (SPEC_FULL §C.2's reconnections/events_rate_limited/events_buffered/
// consecutive_failures counters).
type HealthStats struct {
	Healthy              bool
	ConsecutiveFailures  int
	ReconnectAttempts    int
	Reconnections        int
	EventsRateLimited    int
	EventsBuffered       int
	EventsProcessed      int
	EventsRejected       int
}

func newHealthMonitor(cfg HealthConfig, log *slog.Logger) *healthMonitor {
	return &healthMonitor{cfg: cfg, log: log, healthy: true, clock: time.Now}
}

func (h *healthMonitor) now() time.Time {
	if h.clock != nil {
		return h.clock()
	}
	return time.Now().UTC()
}

// recordSuccess marks the connection healthy, resetting failure/backoff state.
func (h *healthMonitor) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	wasUnhealthy := !h.healthy
	h.healthy = true
	h.consecutiveFailures = 0
	h.reconnectAttempts = 0
	h.lastCheck = h.now()
	if wasUnhealthy && h.log != nil {
		h.log.Info("event broker connection restored")
	}
}

// recordFailure increments the failure streak and flips to unhealthy once
// MaxConsecutiveFailures is reached; it returns true if a reconnect attempt
// should be made now (backoff elapsed and attempts remain).
func (h *healthMonitor) recordFailure() (shouldReconnect bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	h.lastCheck = h.now()
	if h.consecutiveFailures < h.cfg.MaxConsecutiveFailures {
		return false
	}
	h.healthy = false
	if h.reconnectAttempts >= h.cfg.MaxReconnectAttempts {
		return false
	}
	backoff := h.backoffFor(h.reconnectAttempts)
	if !h.lastReconnectAt.IsZero() && h.now().Sub(h.lastReconnectAt) < backoff {
		return false
	}
	h.reconnectAttempts++
	h.lastReconnectAt = h.now()
	h.stats.Reconnections++
	return true
}

func (h *healthMonitor) backoffFor(attempt int) time.Duration {
	d := float64(h.cfg.BaseBackoff) * math.Pow(2, float64(attempt))
	if d > float64(h.cfg.MaxBackoff) {
		d = float64(h.cfg.MaxBackoff)
	}
	return time.Duration(d)
}

func (h *healthMonitor) attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reconnectAttempts
}

func (h *healthMonitor) isHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *healthMonitor) incProcessed()   { h.mu.Lock(); h.stats.EventsProcessed++; h.mu.Unlock() }
func (h *healthMonitor) incRejected()    { h.mu.Lock(); h.stats.EventsRejected++; h.mu.Unlock() }
func (h *healthMonitor) incRateLimited() { h.mu.Lock(); h.stats.EventsRateLimited++; h.mu.Unlock() }
func (h *healthMonitor) incBuffered()    { h.mu.Lock(); h.stats.EventsBuffered++; h.mu.Unlock() }

func (h *healthMonitor) snapshot() HealthStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Healthy = h.healthy
	s.ConsecutiveFailures = h.consecutiveFailures
	s.ReconnectAttempts = h.reconnectAttempts
	return s
}
