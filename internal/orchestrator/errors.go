package orchestrator

import (
	"context"
	"errors"
	"net"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

// classify maps a sub-phase error to a FailureClass per spec §4.1/§7:
// network/timeout errors are transient (retry with backoff), malformed
// or missing data is validation (needs operator attention, no retry),
// everything else is permanent (no retry). A transient failure becomes
// permanent once its retry budget is spent (see finishAttempt).
func classify(err error) domain.FailureClass {
	if err == nil {
		return domain.FailureNone
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return domain.FailureValidation
	}
	if isTransient(err) {
		return domain.FailureTransient
	}
	return domain.FailurePermanent
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || true
	}
	var te transientError
	return errors.As(err, &te)
}

// transientError lets port adapters mark an error as retryable without
// depending on net.Error (e.g. a 429/503 from an HTTP-based port).
type transientError struct {
	Err error
}

func (e transientError) Error() string { return e.Err.Error() }
func (e transientError) Unwrap() error { return e.Err }

// Transient wraps err so classify() treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{Err: err}
}
