// Package engine is the orchestration facade: it accepts requests, plans
// them, schedules node execution under the requested mode, runs the
// quality gate, and exposes run status, cancellation, and event streams.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/executor"
	"github.com/dmerrick/platoon/internal/graph"
	"github.com/dmerrick/platoon/internal/metrics"
	"github.com/dmerrick/platoon/internal/planner"
	"github.com/dmerrick/platoon/internal/quality"
	"github.com/dmerrick/platoon/internal/squad"
	"github.com/dmerrick/platoon/internal/store"
	"github.com/dmerrick/platoon/internal/workflow"
	"github.com/dmerrick/platoon/pkg/models"
)

// Config wires the engine's collaborators and defaults.
type Config struct {
	// Provider invokes capabilities. Required.
	Provider capability.Provider
	// CheckRunner executes quality checks. Required unless the check
	// list is empty.
	CheckRunner quality.CheckRunner
	// PlanningProvider proposes plans for free-form tasks. May be nil.
	PlanningProvider planner.Provider
	// Registry of capabilities; nil means the default registry.
	Registry *capability.Registry
	// Catalog of workflow templates; nil means the built-in catalog.
	Catalog *workflow.Catalog
	// Store persists run records; nil means in-memory.
	Store store.RunStore

	// Executor bounds single invocations.
	Executor executor.Config
	// Quality parameterizes the gate.
	Quality quality.Config
	// MaxParallel bounds concurrent invocations per run.
	MaxParallel int
	// RunTimeout bounds a whole run; zero means no limit.
	RunTimeout time.Duration
	// FallbackSquad is used when a planning proposal is rejected.
	FallbackSquad string
}

// Engine owns all in-process runs.
type Engine struct {
	cfg      Config
	registry *capability.Registry
	catalog  *workflow.Catalog
	planner  *planner.Planner
	exec     *executor.Executor
	squads   *squad.Manager
	wf       *workflow.Engine
	gate     *quality.Gate
	bus      *bus.Bus
	store    store.RunStore

	mu   sync.Mutex
	runs map[string]*run

	debugLog func(format string, args ...interface{})
}

// run is the engine's in-memory state for one run.
type run struct {
	id      string
	req     models.Request
	plan    *graph.Plan
	tmpl    *workflow.Template
	cancel  context.CancelFunc
	metrics *metrics.Aggregator
	done    chan struct{}

	mu            sync.Mutex
	status        models.RunStatus
	result        *models.RunResult
	artifacts     map[string]string
	progressFloor int
	gateShare     int
}

// New creates an Engine. Missing optional collaborators get defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("capability provider is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = capability.DefaultRegistry()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = workflow.NewCatalog()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 5
	}

	exec := executor.New(cfg.Provider, cfg.Executor)
	p := planner.New(cfg.Registry, cfg.Catalog, cfg.PlanningProvider)
	p.SetFallbackSquad(cfg.FallbackSquad)
	squads := squad.NewManager(cfg.Registry, exec, cfg.MaxParallel)

	e := &Engine{
		cfg:      cfg,
		registry: cfg.Registry,
		catalog:  cfg.Catalog,
		planner:  p,
		exec:     exec,
		squads:   squads,
		wf:       workflow.NewEngine(squads),
		gate:     quality.New(cfg.CheckRunner, exec, cfg.Registry),
		bus:      bus.New(),
		store:    cfg.Store,
		runs:     make(map[string]*run),
		debugLog: func(string, ...interface{}) {},
	}
	return e, nil
}

// SetDebugLog installs a debug logger on the engine and its parts.
func (e *Engine) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn == nil {
		return
	}
	e.debugLog = fn
	e.planner.SetDebugLog(fn)
	e.wf.SetDebugLog(fn)
	e.gate.SetDebugLog(fn)
}

// Bus exposes the engine's event bus.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Submit plans the request and starts executing it asynchronously.
// Planning happens synchronously so an unplannable request fails here
// rather than producing a dead run.
func (e *Engine) Submit(ctx context.Context, req models.Request) (string, error) {
	if req.Task == "" {
		return "", fmt.Errorf("request has no task")
	}
	if req.Mode == "" {
		req.Mode = models.ModeHybrid
	}
	if !req.Mode.Valid() {
		return "", fmt.Errorf("invalid execution mode %q", req.Mode)
	}
	if req.Quality == "" {
		req.Quality = models.QualityStandard
	}
	if req.MaxParallel <= 0 || req.MaxParallel > e.cfg.MaxParallel {
		req.MaxParallel = e.cfg.MaxParallel
	}

	plan, tmpl, err := e.planner.Plan(ctx, req)
	if err != nil {
		return "", err
	}

	timeout := e.cfg.RunTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	runID := uuid.NewString()
	r := &run{
		id:        runID,
		req:       req,
		plan:      plan,
		tmpl:      tmpl,
		cancel:    cancel,
		metrics:   metrics.New(),
		done:      make(chan struct{}),
		status:    models.RunRunning,
		artifacts: make(map[string]string),
	}

	now := time.Now()
	if err := e.store.CreateRun(&store.RunRecord{
		RunID:     runID,
		Request:   req,
		Plan:      plan.Snapshot(),
		Status:    models.RunRunning,
		StartedAt: now,
		UpdatedAt: now,
	}); err != nil {
		cancel()
		return "", fmt.Errorf("persist run: %w", err)
	}

	e.mu.Lock()
	e.runs[runID] = r
	e.mu.Unlock()

	go e.execute(runCtx, r)
	return runID, nil
}

// GetStatus reports the run's status, monotonic progress, per-node
// statuses, and usage. Finished runs that are no longer in memory are
// served from the store.
func (e *Engine) GetStatus(runID string) (*models.RunStatusReport, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return e.statusFromStore(runID)
	}

	nodes := r.plan.Statuses()

	r.mu.Lock()
	status := r.status
	progress := e.progressLocked(r, nodes)
	r.mu.Unlock()

	return &models.RunStatusReport{
		RunID:    runID,
		Status:   status,
		Progress: progress,
		Nodes:    nodes,
		Usage:    r.metrics.Total(),
	}, nil
}

// progressLocked computes monotonic progress. Node completion covers the
// first 80 points, the quality gate the next 15, and a terminal status
// pins 100. r.mu must be held.
func (e *Engine) progressLocked(r *run, nodes map[string]models.NodeStatus) int {
	var progress int
	if r.status.Terminal() {
		progress = 100
	} else {
		terminal := 0
		for _, s := range nodes {
			if s.Terminal() {
				terminal++
			}
		}
		if len(nodes) > 0 {
			progress = terminal * 80 / len(nodes)
		}
		progress += r.gateShare
	}

	if progress < r.progressFloor {
		progress = r.progressFloor
	}
	r.progressFloor = progress
	return progress
}

func (e *Engine) statusFromStore(runID string) (*models.RunStatusReport, error) {
	rec, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]models.NodeStatus, len(rec.Plan))
	for _, n := range rec.Plan {
		nodes[n.ID] = n.Status
	}

	report := &models.RunStatusReport{
		RunID:  runID,
		Status: rec.Status,
		Nodes:  nodes,
	}
	if rec.Status.Terminal() {
		report.Progress = 100
	}
	if rec.Result != nil {
		report.Usage = rec.Result.Usage
	}
	return report, nil
}

// Cancel requests cancellation of a running run. Already-finished runs
// acknowledge without effect.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		if _, err := e.store.GetRun(runID); err != nil {
			return err
		}
		return nil
	}

	r.mu.Lock()
	finished := r.status.Terminal()
	cancel := r.cancel
	r.mu.Unlock()
	if finished {
		return nil
	}

	e.debugLog("[engine] cancelling run %s", runID)
	cancel()
	return nil
}

// SubscribeEvents returns the run's event stream (history replayed
// first) and an unsubscribe function.
func (e *Engine) SubscribeEvents(runID string) (<-chan bus.Event, func(), error) {
	e.mu.Lock()
	_, live := e.runs[runID]
	e.mu.Unlock()
	if !live {
		if _, err := e.store.GetRun(runID); err != nil {
			return nil, nil, err
		}
	}
	ch, unsub := e.bus.Subscribe(runID)
	return ch, unsub, nil
}

// Result returns the final result of a finished run.
func (e *Engine) Result(runID string) (*models.RunResult, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.result == nil {
			return nil, fmt.Errorf("run %s has not finished", runID)
		}
		return r.result, nil
	}

	rec, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if rec.Result == nil {
		return nil, fmt.Errorf("run %s has not finished", runID)
	}
	return rec.Result, nil
}

// Wait blocks until the run finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover reconciles runs left Running by an earlier process.
func (e *Engine) Recover(staleAfter time.Duration) (int, error) {
	n, err := e.store.RecoverStale(staleAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[engine] reconciled %d stale runs to failed", n)
	}
	return n, nil
}
