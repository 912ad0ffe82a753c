package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/executor"
	"github.com/dmerrick/platoon/internal/quality"
	"github.com/dmerrick/platoon/pkg/models"
)

// execute drives a run to its terminal status: node execution under the
// requested mode, then the quality gate, then persistence and the end
// event. It is the only writer of the run's terminal state.
func (e *Engine) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		cancel()
	}()

	rc := executor.RunContext{
		RunID:    r.id,
		Bus:      e.bus,
		Metrics:  r.metrics,
		Progress: func() int { return e.progressOf(r) },
	}

	e.bus.Publish(r.id, bus.Event{
		Type:    bus.EventStart,
		Phase:   "planning",
		Message: fmt.Sprintf("Run accepted (%s mode)", r.req.Mode),
	})
	e.bus.Publish(r.id, bus.Event{
		Type:    bus.EventPlanning,
		Phase:   "planning",
		Message: fmt.Sprintf("Plan ready with %d nodes", r.plan.Size()),
		Data:    map[string]interface{}{"nodes": r.plan.Size()},
	})

	artifacts, execErr := e.runNodes(ctx, rc, r)

	r.mu.Lock()
	for k, v := range artifacts {
		r.artifacts[k] = v
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.finish(r, &models.RunResult{
				Status:    models.RunFailed,
				Error:     "run timed out",
				Artifacts: artifacts,
			}, nil)
			return
		}
		e.finish(r, &models.RunResult{
			Status:    models.RunCancelled,
			Error:     "run cancelled",
			Artifacts: artifacts,
		}, nil)
		return
	}
	if execErr != nil {
		e.finish(r, &models.RunResult{
			Status:    models.RunFailed,
			Error:     execErr.Error(),
			Artifacts: artifacts,
		}, nil)
		return
	}

	result, gateOutcome := e.runGate(ctx, rc, r, artifacts)
	e.finish(r, result, gateOutcome)
}

// runNodes executes the plan under the request's mode and returns the
// per-squad artifacts of the nodes that succeeded.
func (e *Engine) runNodes(ctx context.Context, rc executor.RunContext, r *run) (map[string]string, error) {
	if r.req.Mode == models.ModeWorkflow {
		out := e.wf.Run(ctx, rc, r.plan, r.tmpl, r.req.Task)
		if out.Failed && ctx.Err() == nil {
			return out.Artifacts, out.Err
		}
		return out.Artifacts, nil
	}
	return e.runGraph(ctx, rc, r)
}

// nodeOutcome carries one finished invocation back to the scheduler loop.
type nodeOutcome struct {
	node *models.Node
	res  *capability.Result
	err  error
}

// runGraph is the dependency-driven scheduler for the sequential,
// parallel, and hybrid modes. Ready nodes are dispatched up to the slot
// limit; sequential mode is the single-slot case, which yields one valid
// topological linearization. A required-capability failure or a context
// cancellation stops dispatch on the next tick while in-flight
// invocations wind down.
func (e *Engine) runGraph(ctx context.Context, rc executor.RunContext, r *run) (map[string]string, error) {
	plan := r.plan
	slots := r.req.MaxParallel
	if r.req.Mode == models.ModeSequential {
		slots = 1
	}

	squadTotal := make(map[string]int)
	for _, n := range plan.Nodes() {
		squadTotal[n.Squad]++
	}
	squadStarted := make(map[string]bool)
	squadDone := make(map[string]int)
	squadFailed := make(map[string]bool)

	results := make(chan nodeOutcome)
	inflight := 0
	capArtifacts := make(map[string]string)
	var firstErr error

	for {
		if ctx.Err() == nil && firstErr == nil {
			for _, n := range plan.Ready() {
				if inflight >= slots {
					break
				}
				node := n
				plan.SetStatus(node.ID, models.NodeRunning)

				if !squadStarted[node.Squad] {
					squadStarted[node.Squad] = true
					e.publish(rc, bus.Event{
						Type:    bus.EventSquadStarted,
						Phase:   "execution",
						Message: fmt.Sprintf("Squad %s started (%d capabilities)", node.Squad, squadTotal[node.Squad]),
						Data:    map[string]interface{}{"squad": node.Squad},
					})
				}

				input := capability.Input{
					Task:      r.req.Task,
					Artifacts: make(map[string]string, len(capArtifacts)),
				}
				for k, v := range capArtifacts {
					input.Artifacts[k] = v
				}

				inflight++
				go func() {
					res, err := e.exec.Execute(ctx, rc, node, input)
					results <- nodeOutcome{node: node, res: res, err: err}
				}()
			}
		}
		if inflight == 0 {
			break
		}

		o := <-results
		inflight--
		squadDone[o.node.Squad]++

		switch {
		case o.err == nil:
			o.node.Result = &models.NodeResult{
				Artifact:    o.res.Artifact,
				Usage:       o.res.Usage,
				CompletedAt: time.Now(),
			}
			plan.SetStatus(o.node.ID, models.NodeSucceeded)
			capArtifacts[o.node.Capability] = o.res.Artifact

		case capability.Cancelled(o.err):
			plan.SetStatus(o.node.ID, models.NodeCancelled)

		default:
			plan.SetStatus(o.node.ID, models.NodeFailed)
			o.node.Result = &models.NodeResult{Error: o.err.Error(), CompletedAt: time.Now()}

			required := true
			if c, ok := e.registry.Get(o.node.Capability); ok {
				required = c.Required
			}
			if required {
				squadFailed[o.node.Squad] = true
				if firstErr == nil {
					firstErr = fmt.Errorf("required capability %s failed: %w", o.node.Capability, o.err)
				}
			} else {
				log.Printf("[engine] optional capability %s failed: %v", o.node.Capability, o.err)
			}
		}

		if squadDone[o.node.Squad] == squadTotal[o.node.Squad] {
			e.emitSquadCompleted(rc, o.node.Squad, squadFailed[o.node.Squad])
		}
	}

	// Whatever is still pending can never run: a dependency failed, the
	// run failed, or it was cancelled.
	for id, s := range plan.Statuses() {
		if !s.Terminal() {
			plan.SetStatus(id, models.NodeCancelled)
		}
	}

	return squadArtifacts(r, capArtifacts), firstErr
}

func (e *Engine) emitSquadCompleted(rc executor.RunContext, squadID string, failed bool) {
	status := "completed"
	if failed {
		status = "failed"
	}
	e.publish(rc, bus.Event{
		Type:    bus.EventSquadCompleted,
		Phase:   "execution",
		Message: fmt.Sprintf("Squad %s %s", squadID, status),
		Data:    map[string]interface{}{"squad": squadID, "failed": failed},
	})
}

// squadArtifacts merges per-capability outputs into one artifact per
// squad, in plan order under capability headers.
func squadArtifacts(r *run, capArtifacts map[string]string) map[string]string {
	ordered := make(map[string][]string)
	for _, n := range r.plan.Nodes() {
		if _, ok := capArtifacts[n.Capability]; ok {
			ordered[n.Squad] = append(ordered[n.Squad], n.Capability)
		}
	}

	out := make(map[string]string, len(ordered))
	for squadID, caps := range ordered {
		var sb strings.Builder
		for i, id := range caps {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "## %s\n\n%s", id, capArtifacts[id])
		}
		out[squadID] = sb.String()
	}
	return out
}

// runGate runs the quality gate over the squad artifacts and maps its
// outcome to a run result.
func (e *Engine) runGate(ctx context.Context, rc executor.RunContext, r *run, artifacts map[string]string) (*models.RunResult, *quality.Outcome) {
	cfg := e.cfg.Quality
	if r.req.MaxIterations > 0 {
		cfg.MaxIterations = r.req.MaxIterations
	}
	cfg.AutoFix = cfg.AutoFix || r.req.AutoFix

	r.mu.Lock()
	r.gateShare = 5
	r.mu.Unlock()

	outcome, err := e.gate.Run(ctx, rc, r.plan, artifacts, cfg)
	if err != nil {
		if capability.Cancelled(err) || ctx.Err() != nil {
			status := models.RunCancelled
			msg := "run cancelled"
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = models.RunFailed
				msg = "run timed out"
			}
			return &models.RunResult{Status: status, Error: msg, Artifacts: artifacts}, outcome
		}
		return &models.RunResult{
			Status:    models.RunFailed,
			Error:     fmt.Sprintf("quality gate: %v", err),
			Artifacts: artifacts,
		}, outcome
	}

	r.mu.Lock()
	r.gateShare = 15
	r.mu.Unlock()

	result := &models.RunResult{
		Artifacts:             artifacts,
		FailingChecks:         outcome.Failing,
		QualityGateIterations: outcome.Iterations,
	}
	switch {
	case outcome.Passed:
		result.Status = models.RunCompleted
	case outcome.NonFixable:
		result.Status = models.RunFailed
		result.Error = fmt.Sprintf("non-fixable check failures: %s", checkIDs(outcome.Failing))
	default:
		result.Status = models.RunCompletedWithIssues
		result.Error = fmt.Sprintf("quality gate budget exhausted with failing checks: %s", checkIDs(outcome.Failing))
	}
	return result, outcome
}

func checkIDs(failing []models.CheckResult) string {
	ids := make([]string, 0, len(failing))
	for _, c := range failing {
		ids = append(ids, c.CheckID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}

// finish records the terminal state, persists it, and closes the stream.
func (e *Engine) finish(r *run, result *models.RunResult, gateOutcome *quality.Outcome) {
	result.Usage = r.metrics.Total()
	result.FinishedAt = time.Now()
	if gateOutcome != nil && result.QualityGateIterations == 0 {
		result.QualityGateIterations = gateOutcome.Iterations
	}

	r.mu.Lock()
	r.status = result.Status
	r.result = result
	for k, v := range result.Artifacts {
		r.artifacts[k] = v
	}
	r.mu.Unlock()

	switch result.Status {
	case models.RunCompleted, models.RunCompletedWithIssues:
		e.bus.Publish(r.id, bus.Event{
			Type:     bus.EventComplete,
			Phase:    "completion",
			Message:  fmt.Sprintf("Run %s", result.Status),
			Progress: 100,
		})
	default:
		e.bus.Publish(r.id, bus.Event{
			Type:     bus.EventError,
			Phase:    "completion",
			Message:  result.Error,
			Progress: 100,
		})
	}
	e.bus.Publish(r.id, bus.Event{
		Type:     bus.EventEnd,
		Phase:    "completion",
		Message:  "Run finished",
		Progress: 100,
	})

	if err := e.store.UpdateRun(r.id, result.Status, r.plan.Snapshot()); err != nil {
		log.Printf("[engine] persisting plan for run %s: %v", r.id, err)
	}
	if err := e.store.SaveResult(r.id, result); err != nil {
		log.Printf("[engine] persisting result for run %s: %v", r.id, err)
	}
	if err := e.store.AppendEvents(r.id, e.bus.Log(r.id)); err != nil {
		log.Printf("[engine] persisting events for run %s: %v", r.id, err)
	}
	e.bus.CloseRun(r.id)
	e.debugLog("[engine] run %s finished: %s", r.id, result.Status)
}

// progressOf is the event-payload progress callback.
func (e *Engine) progressOf(r *run) int {
	nodes := r.plan.Statuses()
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.progressLocked(r, nodes)
}

func (e *Engine) publish(rc executor.RunContext, event bus.Event) {
	if rc.Progress != nil {
		event.Progress = rc.Progress()
	}
	e.bus.Publish(rc.RunID, event)
}
