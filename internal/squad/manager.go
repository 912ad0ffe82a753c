// Package squad runs all capabilities of one squad for one turn.
package squad

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/executor"
	"github.com/dmerrick/platoon/internal/graph"
	"github.com/dmerrick/platoon/pkg/models"
)

// Merger combines per-capability artifacts into one squad artifact.
// The default policy concatenates in node order under capability headers.
type Merger func(squadID string, ordered []string, artifacts map[string]string) string

// Manager executes squad turns. Capabilities inside a squad run
// concurrently unless a declared intra-squad dependency orders them.
type Manager struct {
	registry    *capability.Registry
	exec        *executor.Executor
	merger      Merger
	maxParallel int
}

// TurnResult is the outcome of one squad turn.
type TurnResult struct {
	// Squad is the squad that ran.
	Squad string
	// Artifact is the merged squad output.
	Artifact string
	// Artifacts maps capability id to its individual output.
	Artifacts map[string]string
	// Warnings records optional-capability failures that did not fail
	// the squad.
	Warnings []string
	// Failed is true if a required capability exhausted its retries.
	Failed bool
	// Err is the first required-capability failure, if any.
	Err error
	// Usage is the squad's aggregated resource consumption for the turn.
	Usage models.Usage
}

// NewManager creates a squad manager.
func NewManager(registry *capability.Registry, exec *executor.Executor, maxParallel int) *Manager {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Manager{
		registry:    registry,
		exec:        exec,
		merger:      defaultMerge,
		maxParallel: maxParallel,
	}
}

// SetMerger overrides the artifact merge policy.
func (m *Manager) SetMerger(merge Merger) {
	if merge != nil {
		m.merger = merge
	}
}

// RunTurn executes every node of the squad present in the plan. Nodes run
// in dependency waves: all nodes whose dependencies have succeeded run
// concurrently, then the ready set is recomputed. Cross-squad dependencies
// must already be satisfied by the caller's step ordering.
func (m *Manager) RunTurn(ctx context.Context, rc executor.RunContext, plan *graph.Plan, squadID string, base capability.Input) *TurnResult {
	result := &TurnResult{
		Squad:     squadID,
		Artifacts: make(map[string]string),
	}

	squadNodes := plan.SquadNodes(squadID)
	if len(squadNodes) == 0 {
		return result
	}
	inSquad := make(map[string]bool, len(squadNodes))
	for _, n := range squadNodes {
		inSquad[n.ID] = true
	}

	m.emit(rc, bus.Event{
		Type:    bus.EventSquadStarted,
		Phase:   "execution",
		Message: fmt.Sprintf("Squad %s started (%d capabilities)", squadID, len(squadNodes)),
		Data:    map[string]interface{}{"squad": squadID},
	})

	var mu sync.Mutex // guards result and the shared artifact map
	sem := make(chan struct{}, m.maxParallel)

	for {
		var wave []*models.Node
		for _, n := range plan.Ready() {
			if inSquad[n.ID] {
				wave = append(wave, n)
			}
		}
		if len(wave) == 0 || ctx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		for _, node := range wave {
			plan.SetStatus(node.ID, models.NodeRunning)

			wg.Add(1)
			go func(node *models.Node) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				input := capability.Input{
					Task:         base.Task,
					Instructions: base.Instructions,
					Artifacts:    make(map[string]string, len(base.Artifacts)),
				}
				mu.Lock()
				for k, v := range base.Artifacts {
					input.Artifacts[k] = v
				}
				// In-turn outputs are visible to dependents (e.g. a
				// reviewer consuming the coder's artifact).
				for k, v := range result.Artifacts {
					input.Artifacts[k] = v
				}
				mu.Unlock()

				m.runNode(ctx, rc, plan, node, input, result, &mu)
			}(node)
		}
		wg.Wait()
	}

	// Nodes left pending can never run: their dependency failed or the
	// turn was cancelled.
	for _, n := range squadNodes {
		if n.Status == models.NodePending {
			plan.SetStatus(n.ID, models.NodeCancelled)
		}
	}

	m.finish(rc, plan, squadID, result)
	return result
}

// runNode executes one node and records its outcome.
func (m *Manager) runNode(ctx context.Context, rc executor.RunContext, plan *graph.Plan, node *models.Node, input capability.Input, result *TurnResult, mu *sync.Mutex) {
	res, err := m.exec.Execute(ctx, rc, node, input)

	if err != nil {
		if capability.Cancelled(err) {
			plan.SetStatus(node.ID, models.NodeCancelled)
			return
		}
		plan.SetStatus(node.ID, models.NodeFailed)
		node.Result = &models.NodeResult{Error: err.Error(), CompletedAt: time.Now()}

		required := true
		if c, ok := m.registry.Get(node.Capability); ok {
			required = c.Required
		}

		mu.Lock()
		defer mu.Unlock()
		if required {
			result.Failed = true
			if result.Err == nil {
				result.Err = fmt.Errorf("required capability %s failed: %w", node.Capability, err)
			}
		} else {
			warning := fmt.Sprintf("optional capability %s failed: %v", node.Capability, err)
			result.Warnings = append(result.Warnings, warning)
			log.Printf("[squad] %s: %s", result.Squad, warning)
		}
		return
	}

	node.Result = &models.NodeResult{Artifact: res.Artifact, Usage: res.Usage, CompletedAt: time.Now()}
	plan.SetStatus(node.ID, models.NodeSucceeded)

	mu.Lock()
	result.Artifacts[node.Capability] = res.Artifact
	result.Usage.Add(res.Usage)
	mu.Unlock()
}

// finish merges artifacts and emits the squad_completed event.
func (m *Manager) finish(rc executor.RunContext, plan *graph.Plan, squadID string, result *TurnResult) {
	var ordered []string
	for _, n := range plan.SquadNodes(squadID) {
		if _, ok := result.Artifacts[n.Capability]; ok {
			ordered = append(ordered, n.Capability)
		}
	}
	result.Artifact = m.merger(squadID, ordered, result.Artifacts)

	status := "completed"
	if result.Failed {
		status = "failed"
	}
	m.emit(rc, bus.Event{
		Type:    bus.EventSquadCompleted,
		Phase:   "execution",
		Message: fmt.Sprintf("Squad %s %s", squadID, status),
		Data: map[string]interface{}{
			"squad":    squadID,
			"failed":   result.Failed,
			"warnings": len(result.Warnings),
		},
	})
}

func (m *Manager) emit(rc executor.RunContext, event bus.Event) {
	if rc.Bus == nil {
		return
	}
	if rc.Progress != nil {
		event.Progress = rc.Progress()
	}
	rc.Bus.Publish(rc.RunID, event)
}

// defaultMerge concatenates capability outputs in node order under
// capability headers.
func defaultMerge(squadID string, ordered []string, artifacts map[string]string) string {
	if len(artifacts) == 0 {
		return ""
	}
	if len(ordered) == 0 {
		for id := range artifacts {
			ordered = append(ordered, id)
		}
		sort.Strings(ordered)
	}

	var sb strings.Builder
	for i, id := range ordered {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", id, artifacts[id])
	}
	return sb.String()
}
