// Package graph provides the execution plan: a dependency DAG of
// capability invocations.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dmerrick/platoon/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the plan.
var ErrCycleDetected = errors.New("circular dependency detected")

// Plan is a directed acyclic graph of nodes. Structure is immutable after
// Validate succeeds: quality gate remediation appends new nodes via
// AppendFixNode but existing nodes and edges are never rewritten, which
// preserves the audit history of the run.
type Plan struct {
	mu sync.RWMutex
	// nodes maps node id to the node itself.
	nodes map[string]*models.Node
	// order preserves insertion order for deterministic iteration.
	order []string
	// succeeded tracks nodes that have reached NodeSucceeded.
	succeeded map[string]bool
	// sealed is set once Validate passes; after that only fix nodes
	// may be appended.
	sealed bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty plan.
func New() *Plan {
	return &Plan{
		nodes:     make(map[string]*models.Node),
		succeeded: make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (p *Plan) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		p.debugLog = fn
	}
}

// Add registers a node. Dependencies are checked at Validate time so nodes
// may be added in any order.
func (p *Plan) Add(n *models.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sealed {
		return errors.New("plan is sealed")
	}
	if n.ID == "" {
		return errors.New("node id is empty")
	}
	if _, exists := p.nodes[n.ID]; exists {
		return fmt.Errorf("duplicate node id %s", n.ID)
	}
	if n.Status == "" {
		n.Status = models.NodePending
	}

	p.nodes[n.ID] = n
	p.order = append(p.order, n.ID)
	return nil
}

// Validate checks that every dependency references an existing node and
// that the graph is acyclic, then seals the plan.
func (p *Plan) Validate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		for _, depID := range p.nodes[id].DependsOn {
			if _, exists := p.nodes[depID]; !exists {
				return fmt.Errorf("node %s depends on unknown node %s", id, depID)
			}
		}
	}

	if p.hasCycleLocked() {
		return ErrCycleDetected
	}

	p.sealed = true
	p.debugLog("[plan.Validate] plan sealed with %d nodes", len(p.nodes))
	return nil
}

// hasCycleLocked detects back edges via DFS coloring. Caller must hold p.mu.
func (p *Plan) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(p.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range p.nodes[id].DependsOn {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range p.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// TopologicalSort returns node ids with every dependency ordered before
// its dependents. Ties are broken by insertion order so the result is
// deterministic.
func (p *Plan) TopologicalSort() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(p.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range p.nodes[id].DependsOn {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range p.order {
		visit(id)
	}
	return result, nil
}

// Ready returns nodes whose every dependency has succeeded (or was
// skipped) and which are still pending. These may be dispatched
// concurrently.
func (p *Plan) Ready() []*models.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ready []*models.Node
	for _, id := range p.order {
		n := p.nodes[id]
		if n.Status != models.NodePending {
			continue
		}

		allDeps := true
		for _, depID := range n.DependsOn {
			if !p.succeeded[depID] {
				allDeps = false
				break
			}
		}
		if allDeps {
			ready = append(ready, n)
		}
	}

	p.debugLog("[plan.Ready] %d of %d nodes ready", len(ready), len(p.nodes))
	return ready
}

// SetStatus transitions a node. Transitions out of a terminal status are
// rejected so a succeeded node can never be retroactively failed.
func (p *Plan) SetStatus(id string, status models.NodeStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	if n.Status.Terminal() {
		return fmt.Errorf("node %s is already %s", id, n.Status)
	}

	n.Status = status
	if status == models.NodeSucceeded {
		p.succeeded[id] = true
	}
	return nil
}

// Skip marks a pending node cancelled with the skip reason. A skipped
// node's dependents remain schedulable: the dependency counts as
// satisfied, unlike a true cancellation.
func (p *Plan) Skip(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	if n.Status.Terminal() {
		return fmt.Errorf("node %s is already %s", id, n.Status)
	}

	n.Status = models.NodeCancelled
	n.CancelReason = models.CancelReasonSkipped
	p.succeeded[id] = true
	return nil
}

// Node returns the node for an id, or nil.
func (p *Plan) Node(id string) *models.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nodes[id]
}

// Nodes returns all nodes in insertion order. The returned nodes are
// the live plan nodes; callers that read them while the plan is still
// running must use Statuses or Snapshot instead.
func (p *Plan) Nodes() []*models.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*models.Node, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.nodes[id])
	}
	return out
}

// Statuses returns a point-in-time copy of every node's status, keyed
// by node id. Safe to call while the plan is being mutated.
func (p *Plan) Statuses() map[string]models.NodeStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]models.NodeStatus, len(p.nodes))
	for id, n := range p.nodes {
		out[id] = n.Status
	}
	return out
}

// Snapshot returns copies of the nodes in insertion order, safe to
// persist or hand out while the plan is being mutated.
func (p *Plan) Snapshot() []*models.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*models.Node, 0, len(p.order))
	for _, id := range p.order {
		n := *p.nodes[id]
		out = append(out, &n)
	}
	return out
}

// Size returns the number of nodes in the plan.
func (p *Plan) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.nodes)
}

// HasDependencies returns true if any node declares a dependency edge.
func (p *Plan) HasDependencies() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, n := range p.nodes {
		if len(n.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// SquadNodes returns the nodes belonging to one squad, in insertion order.
func (p *Plan) SquadNodes(squadID string) []*models.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*models.Node
	for _, id := range p.order {
		if p.nodes[id].Squad == squadID {
			out = append(out, p.nodes[id])
		}
	}
	return out
}

// AppendFixNode adds a remediation node after the plan is sealed. Fix nodes
// may only depend on existing nodes, so the plan stays acyclic by
// construction.
func (p *Plan) AppendFixNode(n *models.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.sealed {
		return errors.New("plan is not sealed yet")
	}
	if _, exists := p.nodes[n.ID]; exists {
		return fmt.Errorf("duplicate node id %s", n.ID)
	}
	for _, depID := range n.DependsOn {
		if _, exists := p.nodes[depID]; !exists {
			return fmt.Errorf("fix node %s depends on unknown node %s", n.ID, depID)
		}
	}
	if n.Status == "" {
		n.Status = models.NodePending
	}

	p.nodes[n.ID] = n
	p.order = append(p.order, n.ID)
	p.debugLog("[plan.AppendFixNode] appended %s, plan now has %d nodes", n.ID, len(p.nodes))
	return nil
}
