// Package executor runs single capability invocations with timeout,
// bounded retry, and cancellation handling.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/metrics"
	"github.com/dmerrick/platoon/pkg/models"
)

// Config bounds a single invocation.
type Config struct {
	// Timeout is the hard per-invocation deadline.
	Timeout time.Duration
	// MaxRetries is how many times a retryable failure is retried.
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Minute,
		MaxRetries:  2,
		BackoffBase: 2 * time.Second,
	}
}

// RunContext carries the per-run collaborators an invocation reports to.
type RunContext struct {
	// RunID identifies the run the invocation belongs to.
	RunID string
	// Bus receives lifecycle events; may be nil.
	Bus *bus.Bus
	// Metrics accumulates usage; may be nil.
	Metrics *metrics.Aggregator
	// Progress reports current run progress for event payloads; may be nil.
	Progress func() int
}

// Executor invokes capabilities through a Provider.
type Executor struct {
	provider capability.Provider
	cfg      Config
}

// New creates an Executor. Zero config fields fall back to defaults.
func New(provider capability.Provider, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	return &Executor{provider: provider, cfg: cfg}
}

// Execute invokes the node's capability, retrying retryable failures up to
// the configured budget with exponential backoff. Retry counts are recorded
// on the node. A cancellation of ctx aborts the in-flight call and returns
// an error satisfying capability.Cancelled, never a synthetic failure.
func (e *Executor) Execute(ctx context.Context, rc RunContext, node *models.Node, input capability.Input) (*capability.Result, error) {
	e.emit(rc, bus.Event{
		Type:    bus.EventAgentStarted,
		Phase:   "execution",
		Agent:   node.Capability,
		Message: fmt.Sprintf("Invoking %s", node.Capability),
	})

	attempts := e.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			node.RetryCount++
			e.emit(rc, bus.Event{
				Type:    bus.EventAgentProgress,
				Phase:   "execution",
				Agent:   node.Capability,
				Message: fmt.Sprintf("Retrying %s (attempt %d/%d)", node.Capability, attempt, attempts),
			})
		}

		result, err := e.invokeOnce(ctx, node.Capability, input)
		if err == nil {
			if rc.Metrics != nil {
				rc.Metrics.Record(node.Capability, node.Squad, result.Usage)
			}
			e.emit(rc, bus.Event{
				Type:    bus.EventAgentCompleted,
				Phase:   "execution",
				Agent:   node.Capability,
				Message: fmt.Sprintf("%s completed", node.Capability),
				Data:    map[string]interface{}{"tokens": result.Usage.TotalTokens()},
			})
			return result, nil
		}
		lastErr = err

		if capability.Cancelled(err) {
			// Cancelled mid-flight: no failure event, the run is winding down.
			return nil, err
		}
		if !capability.Retryable(err) || attempt == attempts {
			break
		}

		delay := e.cfg.BackoffBase << (attempt - 1)
		log.Printf("[executor] %s attempt %d failed (%v), backing off %s", node.Capability, attempt, err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	e.emit(rc, bus.Event{
		Type:    bus.EventAgentFailed,
		Phase:   "execution",
		Agent:   node.Capability,
		Message: fmt.Sprintf("%s failed: %v", node.Capability, lastErr),
	})
	return nil, lastErr
}

// invokeOnce performs one provider call under the per-invocation timeout,
// translating a deadline hit into a TimeoutError so callers can tell an
// invocation timeout apart from run-level cancellation.
func (e *Executor) invokeOnce(ctx context.Context, capabilityID string, input capability.Input) (*capability.Result, error) {
	ictx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	result, err := e.provider.Invoke(ictx, capabilityID, input)
	if err == nil {
		return result, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &capability.TimeoutError{Capability: capabilityID, Timeout: e.cfg.Timeout}
	}
	if ctx.Err() != nil {
		// The run was cancelled while the call was in flight.
		return nil, ctx.Err()
	}
	return nil, err
}

func (e *Executor) emit(rc RunContext, event bus.Event) {
	if rc.Bus == nil {
		return
	}
	if rc.Progress != nil {
		event.Progress = rc.Progress()
	}
	rc.Bus.Publish(rc.RunID, event)
}
