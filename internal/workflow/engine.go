package workflow

import (
	"context"
	"log"
	"sync"

	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/executor"
	"github.com/dmerrick/platoon/internal/graph"
	"github.com/dmerrick/platoon/internal/squad"
	"github.com/dmerrick/platoon/pkg/models"
)

// Engine executes a template's steps in order against a validated plan.
// Squads within a step run concurrently; each squad's capabilities run
// under the squad manager's usual wave scheduling.
type Engine struct {
	squads   *squad.Manager
	debugLog func(format string, args ...interface{})
}

// Outcome is the aggregate result of walking a template.
type Outcome struct {
	// Artifacts maps squad id to its merged output.
	Artifacts map[string]string
	// Warnings collects optional-capability failures across all steps.
	Warnings []string
	// Failed reports that a required capability failed and later steps
	// were not run.
	Failed bool
	// Err is the first failure, or the context error on cancellation.
	Err   error
	Usage models.Usage
}

// NewEngine returns a step engine over the given squad manager.
func NewEngine(squads *squad.Manager) *Engine {
	return &Engine{squads: squads, debugLog: func(string, ...interface{}) {}}
}

// SetDebugLog installs a debug logger.
func (e *Engine) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		e.debugLog = fn
	}
}

// Run walks tmpl's steps. A step whose condition evaluates false has its
// squads' pending nodes marked cancelled with a skip reason and does not
// run. A required-capability failure stops the walk; nodes of later steps
// are cancelled.
func (e *Engine) Run(ctx context.Context, rc executor.RunContext, plan *graph.Plan, tmpl *Template, task string) *Outcome {
	out := &Outcome{Artifacts: make(map[string]string)}

	for i, step := range tmpl.Steps {
		if ctx.Err() != nil {
			e.cancelRemaining(plan, tmpl.Steps[i:])
			out.Failed = true
			out.Err = ctx.Err()
			return out
		}

		if !step.Condition.Evaluate(task, out.Artifacts) {
			e.debugLog("[workflow] step %s skipped by condition", step.Name)
			e.skipStep(plan, step)
			continue
		}

		turns := e.runStep(ctx, rc, plan, step, task, out.Artifacts)
		for _, turn := range turns {
			if turn.Artifact != "" {
				out.Artifacts[turn.Squad] = turn.Artifact
			}
			out.Warnings = append(out.Warnings, turn.Warnings...)
			out.Usage.Add(turn.Usage)
			if turn.Failed && !out.Failed {
				out.Failed = true
				out.Err = turn.Err
			}
		}
		if out.Failed {
			if i+1 < len(tmpl.Steps) {
				e.cancelRemaining(plan, tmpl.Steps[i+1:])
			}
			return out
		}
	}
	return out
}

// runStep runs every squad of the step concurrently and returns their
// turn results.
func (e *Engine) runStep(ctx context.Context, rc executor.RunContext, plan *graph.Plan, step Step, task string, artifacts map[string]string) []*squad.TurnResult {
	base := capability.Input{Task: task, Artifacts: copyArtifacts(artifacts)}

	results := make([]*squad.TurnResult, len(step.Squads))
	var wg sync.WaitGroup
	for i, squadID := range step.Squads {
		if len(plan.SquadNodes(squadID)) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, squadID string) {
			defer wg.Done()
			results[i] = e.squads.RunTurn(ctx, rc, plan, squadID, base)
		}(i, squadID)
	}
	wg.Wait()

	out := make([]*squad.TurnResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) skipStep(plan *graph.Plan, step Step) {
	for _, squadID := range step.Squads {
		for _, node := range plan.SquadNodes(squadID) {
			if node.Status.Terminal() {
				continue
			}
			if err := plan.Skip(node.ID); err != nil {
				log.Printf("[workflow] skip %s: %v", node.ID, err)
			}
		}
	}
}

func (e *Engine) cancelStep(plan *graph.Plan, step Step) {
	for _, squadID := range step.Squads {
		for _, node := range plan.SquadNodes(squadID) {
			if node.Status.Terminal() {
				continue
			}
			if err := plan.SetStatus(node.ID, models.NodeCancelled); err != nil {
				log.Printf("[workflow] cancel %s: %v", node.ID, err)
			}
		}
	}
}

func (e *Engine) cancelRemaining(plan *graph.Plan, steps []Step) {
	for _, step := range steps {
		e.cancelStep(plan, step)
	}
}

func copyArtifacts(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
