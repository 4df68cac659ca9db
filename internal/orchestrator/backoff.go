package orchestrator

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed), per
// backoff(n) = min(max_backoff, base*2^(n-1)) with +-20% jitter applied
// after the clamp. Attempts below 1 are treated as 1.
func Backoff(n int, cfg BackoffConfig) time.Duration {
	if n < 1 {
		n = 1
	}
	base := cfg.Base
	if base <= 0 {
		base = time.Second
	}
	max := cfg.Max
	if max <= 0 {
		max = 60 * time.Second
	}

	shift := uint(n - 1)
	if shift > 20 {
		shift = 20 // guard against overflow; well past max at this point anyway.
	}
	d := base * time.Duration(1<<shift)
	if d <= 0 || d > max {
		d = max
	}

	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}

// MaxAttemptsExceeded reports whether the item has exhausted its retry
// budget and should be classified permanent.
func MaxAttemptsExceeded(retryCount int, cfg BackoffConfig) bool {
	max := cfg.MaxAttempts
	if max <= 0 {
		max = DefaultBackoff.MaxAttempts
	}
	return retryCount >= max
}
