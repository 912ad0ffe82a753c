// Package quality runs the ordered check list over run artifacts and
// drives the bounded auto-fix loop.
package quality

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/executor"
	"github.com/dmerrick/platoon/internal/graph"
	"github.com/dmerrick/platoon/pkg/models"
)

// CheckRunner executes one named check against an artifact. The engine
// never interprets check content; pass/fail/fixable come back opaque.
type CheckRunner interface {
	RunCheck(ctx context.Context, checkID, artifact string) (models.CheckResult, error)
}

// Config parameterizes one gate run.
type Config struct {
	// Checks is the ordered list of check ids to run.
	Checks []string
	// MaxIterations bounds the fix loop. The initial check pass does not
	// count against it.
	MaxIterations int
	// AutoFix enables re-invoking responsible capabilities on fixable
	// failures.
	AutoFix bool
	// Responsible maps a check id to the capability that fixes its
	// failures. Unmapped checks fall back to DefaultFixer.
	Responsible map[string]string
	// DefaultFixer is the capability invoked for checks with no mapping.
	DefaultFixer string
}

// Outcome is the terminal state of a gate run.
type Outcome struct {
	// Passed is true when the final check pass had no failures.
	Passed bool
	// NonFixable is true when the gate stopped on a non-fixable failure.
	NonFixable bool
	// Exhausted is true when the iteration budget ran out with checks
	// still failing.
	Exhausted bool
	// Iterations counts check passes performed (the initial pass plus one
	// per fix attempt).
	Iterations int
	// Fixes counts remediation attempts; never exceeds MaxIterations.
	Fixes int
	// Failing holds the last pass's failing checks.
	Failing []models.CheckResult
	Usage   models.Usage
}

// Gate wires the check runner to the executor for fix invocations.
type Gate struct {
	runner   CheckRunner
	exec     *executor.Executor
	registry *capability.Registry
	debugLog func(format string, args ...interface{})
}

// New creates a Gate.
func New(runner CheckRunner, exec *executor.Executor, registry *capability.Registry) *Gate {
	return &Gate{
		runner:   runner,
		exec:     exec,
		registry: registry,
		debugLog: func(string, ...interface{}) {},
	}
}

// SetDebugLog installs a debug logger.
func (g *Gate) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Run executes the gate over the squad artifacts. Every iteration re-runs
// the complete check list against the current artifacts; a fix can break
// a previously-passing check and that regression must be seen, so the
// full re-run is deliberate. Fix nodes are appended to the plan rather
// than mutating executed nodes.
func (g *Gate) Run(ctx context.Context, rc executor.RunContext, plan *graph.Plan, artifacts map[string]string, cfg Config) (*Outcome, error) {
	out := &Outcome{}
	if len(cfg.Checks) == 0 {
		out.Passed = true
		return out, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		out.Iterations++
		g.publish(rc, bus.EventQualityGateStarted, fmt.Sprintf("Running %d checks (pass %d)", len(cfg.Checks), out.Iterations), nil)

		results, err := g.runChecks(ctx, cfg.Checks, mergeArtifacts(artifacts))
		if err != nil {
			return out, err
		}

		failing := failingOf(results)
		out.Failing = failing
		g.publish(rc, bus.EventQualityGateCompleted,
			fmt.Sprintf("%d/%d checks passed", len(results)-len(failing), len(results)),
			map[string]interface{}{"iteration": out.Iterations, "checks": results})

		if len(failing) == 0 {
			out.Passed = true
			return out, nil
		}
		if nonFixable(failing) {
			out.NonFixable = true
			return out, nil
		}
		if !cfg.AutoFix || out.Fixes >= cfg.MaxIterations {
			out.Exhausted = true
			return out, nil
		}

		out.Fixes++
		g.publish(rc, bus.EventIteration,
			fmt.Sprintf("Auto-fix attempt %d/%d: %d failing checks", out.Fixes, cfg.MaxIterations, len(failing)),
			map[string]interface{}{"iteration": out.Fixes})

		if err := g.fix(ctx, rc, plan, artifacts, failing, cfg, out); err != nil {
			if capability.Cancelled(err) {
				return out, err
			}
			// A failed fix leaves the artifacts unchanged; the next check
			// pass will report the same failures and consume the budget.
			log.Printf("[quality] fix attempt %d failed: %v", out.Fixes, err)
		}
	}
}

// runChecks executes every check in order. A runner error is recorded as
// a non-fixable failure of that check rather than aborting the gate.
func (g *Gate) runChecks(ctx context.Context, checks []string, artifact string) ([]models.CheckResult, error) {
	results := make([]models.CheckResult, 0, len(checks))
	for _, checkID := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := g.runner.RunCheck(ctx, checkID, artifact)
		if err != nil {
			if capability.Cancelled(err) {
				return nil, err
			}
			res = models.CheckResult{
				CheckID: checkID,
				Passed:  false,
				Detail:  fmt.Sprintf("check runner error: %v", err),
				Fixable: false,
			}
		}
		res.CheckID = checkID
		results = append(results, res)
	}
	return results, nil
}

// fix groups the failing checks by responsible capability and re-invokes
// each one with the full failure set. Successful fixes replace the
// responsible squad's artifact.
func (g *Gate) fix(ctx context.Context, rc executor.RunContext, plan *graph.Plan, artifacts map[string]string, failing []models.CheckResult, cfg Config, out *Outcome) error {
	byFixer := make(map[string][]models.CheckResult)
	for _, f := range failing {
		fixer := cfg.Responsible[f.CheckID]
		if fixer == "" {
			fixer = cfg.DefaultFixer
		}
		if fixer == "" {
			return fmt.Errorf("no capability responsible for check %s", f.CheckID)
		}
		byFixer[fixer] = append(byFixer[fixer], f)
	}

	fixers := make([]string, 0, len(byFixer))
	for fixer := range byFixer {
		fixers = append(fixers, fixer)
	}
	sort.Strings(fixers)

	var firstErr error
	for _, fixer := range fixers {
		c, ok := g.registry.Get(fixer)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("unknown fix capability %s", fixer)
			}
			continue
		}

		node := &models.Node{
			ID:         fmt.Sprintf("fix-%d-%s", out.Fixes, fixer),
			Capability: fixer,
			Squad:      c.Squad,
		}
		if err := plan.AppendFixNode(node); err != nil {
			return err
		}

		owned := make(map[string]bool, len(byFixer[fixer]))
		for _, f := range byFixer[fixer] {
			owned[f.CheckID] = true
		}
		input := capability.Input{
			Task:         fixInstructions(failing, owned),
			Artifacts:    copyArtifacts(artifacts),
			Instructions: "Fix the checks marked yours without breaking passing checks or regressing the others listed.",
		}

		plan.SetStatus(node.ID, models.NodeRunning)
		result, err := g.exec.Execute(ctx, rc, node, input)
		if err != nil {
			if capability.Cancelled(err) {
				plan.SetStatus(node.ID, models.NodeCancelled)
				return err
			}
			plan.SetStatus(node.ID, models.NodeFailed)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		node.Result = &models.NodeResult{Artifact: result.Artifact, Usage: result.Usage}
		plan.SetStatus(node.ID, models.NodeSucceeded)
		artifacts[c.Squad] = result.Artifact
		out.Usage.Add(result.Usage)
	}
	return firstErr
}

func (g *Gate) publish(rc executor.RunContext, typ bus.EventType, msg string, data map[string]interface{}) {
	if rc.Bus == nil {
		return
	}
	progress := 0
	if rc.Progress != nil {
		progress = rc.Progress()
	}
	rc.Bus.Publish(rc.RunID, bus.Event{
		Type:     typ,
		Phase:    "quality_gate",
		Message:  msg,
		Progress: progress,
		Data:     data,
	})
}

func failingOf(results []models.CheckResult) []models.CheckResult {
	var failing []models.CheckResult
	for _, r := range results {
		if !r.Passed {
			failing = append(failing, r)
		}
	}
	return failing
}

func nonFixable(failing []models.CheckResult) bool {
	for _, f := range failing {
		if !f.Fixable {
			return true
		}
	}
	return false
}

// mergeArtifacts renders the squad artifacts as one document in stable
// squad order so checks see a deterministic input.
func mergeArtifacts(artifacts map[string]string) string {
	squads := make([]string, 0, len(artifacts))
	for squadID := range artifacts {
		squads = append(squads, squadID)
	}
	sort.Strings(squads)

	var b strings.Builder
	for i, squadID := range squads {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", squadID, artifacts[squadID])
	}
	return b.String()
}

// fixInstructions lists every failing check so a fixer knows the full
// regression surface, marking the ones it is responsible for.
func fixInstructions(failing []models.CheckResult, owned map[string]bool) string {
	var b strings.Builder
	b.WriteString("The following checks failed:\n")
	for _, f := range failing {
		marker := ""
		if owned[f.CheckID] {
			marker = " (yours to fix)"
		}
		fmt.Fprintf(&b, "- %s%s: %s\n", f.CheckID, marker, f.Detail)
	}
	return b.String()
}

func copyArtifacts(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
