package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/metrics"
	"github.com/dmerrick/platoon/pkg/models"
)

// fakeProvider scripts invocation outcomes per call.
type fakeProvider struct {
	calls   atomic.Int64
	invoke  func(ctx context.Context, call int64, id string, input capability.Input) (*capability.Result, error)
}

func (f *fakeProvider) Invoke(ctx context.Context, id string, input capability.Input) (*capability.Result, error) {
	call := f.calls.Add(1)
	return f.invoke(ctx, call, id, input)
}

func testConfig() Config {
	return Config{Timeout: 50 * time.Millisecond, MaxRetries: 2, BackoffBase: time.Millisecond}
}

func collectTypes(b *bus.Bus, runID string) []bus.EventType {
	var types []bus.EventType
	for _, e := range b.Log(runID) {
		types = append(types, e.Type)
	}
	return types
}

func TestExecuteSuccess(t *testing.T) {
	provider := &fakeProvider{invoke: func(_ context.Context, _ int64, _ string, _ capability.Input) (*capability.Result, error) {
		return &capability.Result{Artifact: "done", Usage: models.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}}

	b := bus.New()
	agg := metrics.New()
	exec := New(provider, testConfig())
	node := &models.Node{ID: "n1", Capability: "backend_coder", Squad: "backend"}

	result, err := exec.Execute(context.Background(), RunContext{RunID: "run-1", Bus: b, Metrics: agg}, node, capability.Input{Task: "build it"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Artifact != "done" {
		t.Errorf("expected artifact, got %q", result.Artifact)
	}
	if agg.Squad("backend").TotalTokens() != 15 {
		t.Errorf("metrics not recorded: %+v", agg.Squad("backend"))
	}

	types := collectTypes(b, "run-1")
	if len(types) != 2 || types[0] != bus.EventAgentStarted || types[1] != bus.EventAgentCompleted {
		t.Errorf("unexpected events: %v", types)
	}
}

func TestExecuteRetriesProviderError(t *testing.T) {
	provider := &fakeProvider{invoke: func(_ context.Context, call int64, id string, _ capability.Input) (*capability.Result, error) {
		if call == 1 {
			return nil, &capability.ProviderError{Capability: id, Err: errors.New("rate limited")}
		}
		return &capability.Result{Artifact: "ok"}, nil
	}}

	exec := New(provider, testConfig())
	node := &models.Node{ID: "n1", Capability: "api_designer", Squad: "backend"}

	if _, err := exec.Execute(context.Background(), RunContext{RunID: "run-1"}, node, capability.Input{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if node.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", node.RetryCount)
	}
	if provider.calls.Load() != 2 {
		t.Errorf("expected 2 provider calls, got %d", provider.calls.Load())
	}
}

func TestExecuteTimeoutExhaustsBudget(t *testing.T) {
	provider := &fakeProvider{invoke: func(ctx context.Context, _ int64, _ string, _ capability.Input) (*capability.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	cfg := Config{Timeout: 10 * time.Millisecond, MaxRetries: 1, BackoffBase: time.Millisecond}
	b := bus.New()
	exec := New(provider, cfg)
	node := &models.Node{ID: "n1", Capability: "backend_coder", Squad: "backend"}

	_, err := exec.Execute(context.Background(), RunContext{RunID: "run-1", Bus: b}, node, capability.Input{})

	var te *capability.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Capability != "backend_coder" {
		t.Errorf("timeout error should name the capability, got %q", te.Capability)
	}
	if provider.calls.Load() != 2 {
		t.Errorf("expected 2 attempts (retry budget 1), got %d", provider.calls.Load())
	}

	types := collectTypes(b, "run-1")
	if types[len(types)-1] != bus.EventAgentFailed {
		t.Errorf("expected final agent_failed event, got %v", types)
	}
}

func TestExecuteValidationErrorIsTerminal(t *testing.T) {
	provider := &fakeProvider{invoke: func(_ context.Context, _ int64, id string, _ capability.Input) (*capability.Result, error) {
		return nil, &capability.ValidationError{Capability: id, Reason: "bad input"}
	}}

	exec := New(provider, testConfig())
	node := &models.Node{ID: "n1", Capability: "schema_designer", Squad: "database"}

	_, err := exec.Execute(context.Background(), RunContext{RunID: "run-1"}, node, capability.Input{})

	var ve *capability.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if provider.calls.Load() != 1 {
		t.Errorf("validation errors must not retry, got %d calls", provider.calls.Load())
	}
	if node.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", node.RetryCount)
	}
}

func TestExecuteCancellationAbortsInFlight(t *testing.T) {
	started := make(chan struct{})
	provider := &fakeProvider{invoke: func(ctx context.Context, _ int64, _ string, _ capability.Input) (*capability.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	b := bus.New()
	exec := New(provider, Config{Timeout: time.Minute, MaxRetries: 2, BackoffBase: time.Millisecond})
	node := &models.Node{ID: "n1", Capability: "backend_coder", Squad: "backend"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := exec.Execute(ctx, RunContext{RunID: "run-1", Bus: b}, node, capability.Input{})
	if !capability.Cancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if provider.calls.Load() != 1 {
		t.Errorf("cancellation must not retry, got %d calls", provider.calls.Load())
	}
	for _, typ := range collectTypes(b, "run-1") {
		if typ == bus.EventAgentFailed {
			t.Error("cancellation must not emit agent_failed")
		}
	}
}
