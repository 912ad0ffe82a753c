package capability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError indicates a capability invocation exceeded its per-invocation
// timeout. Timeouts are retryable.
type TimeoutError struct {
	// Capability is the id of the capability that timed out.
	Capability string
	// Timeout is the budget the invocation exceeded.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("capability %s timed out after %s", e.Capability, e.Timeout)
}

// ProviderError indicates a transient provider failure (rate limit,
// upstream error). Provider errors are retryable.
type ProviderError struct {
	// Capability is the id of the capability being invoked.
	Capability string
	// Err is the underlying provider failure.
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("capability %s provider error: %v", e.Capability, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError indicates the invocation input or output was invalid.
// Validation errors are terminal; retrying cannot help.
type ValidationError struct {
	// Capability is the id of the capability being invoked.
	Capability string
	// Reason describes what was invalid.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("capability %s validation error: %s", e.Capability, e.Reason)
}

// Retryable reports whether an invocation failure is worth retrying.
// Timeouts and provider errors are retryable; validation errors and
// cancellations are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return true
	}
	return false
}

// Cancelled reports whether an invocation failure was a cancellation
// rather than a real failure.
func Cancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
