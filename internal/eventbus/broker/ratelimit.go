package broker

import (
	"sync"
	"time"

	"github.com/nepenth/kb-pipeline/pkg/resilience"
)

// RateLimitConfig mirrors RateLimitConfig/max_events_per_second+minute+burst
// (spec §4.4 item 2).
type RateLimitConfig struct {
	MaxPerSecond int
	MaxPerMinute int
	Burst        int
}

// DefaultRateLimitConfig matches spec §4.4: 50/s, 1000/min, burst 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MaxPerSecond: 50, MaxPerMinute: 1000, Burst: 10}
}

// rateLimiter combines pkg/resilience.Limiter's token bucket (per-second
// rate + burst) with a fixed one-minute window counter, since the teacher's
// Limiter only models a single continuous rate — the per-minute ceiling is a
// second, independent cap the token bucket alone can't express.
type rateLimiter struct {
	perSecond *resilience.Limiter
	maxMinute int

	mu          sync.Mutex
	minuteStart time.Time
	minuteCount int
	clock       func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		perSecond: resilience.NewLimiter(resilience.LimiterOpts{Rate: float64(cfg.MaxPerSecond), Burst: cfg.Burst}),
		maxMinute: cfg.MaxPerMinute,
		clock:     time.Now,
	}
}

// allow reports whether an event may pass both the per-second token bucket
// and the per-minute window counter, incrementing the latter on success.
func (r *rateLimiter) allow() bool {
	if !r.perSecond.Allow() {
		return false
	}

	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.minuteStart.IsZero() || now.Sub(r.minuteStart) >= time.Minute {
		r.minuteStart = now
		r.minuteCount = 0
	}
	if r.minuteCount >= r.maxMinute {
		return false
	}
	r.minuteCount++
	return true
}
