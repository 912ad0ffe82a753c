// Package planner builds validated execution plans from workflow
// templates or from an external planning proposal.
package planner

import (
	"context"
	"fmt"
	"log"

	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/graph"
	"github.com/dmerrick/platoon/internal/workflow"
	"github.com/dmerrick/platoon/pkg/models"
)

// MaxPlanNodes bounds the size of an accepted plan.
const MaxPlanNodes = 64

// Dependency orders two squads: every node of After depends on every
// node of Before.
type Dependency struct {
	Before string
	After  string
}

// Proposal is an untrusted plan suggestion from a planning provider.
type Proposal struct {
	Squads       []string
	Dependencies []Dependency
}

// Provider proposes squads and inter-squad ordering for a free-form task.
type Provider interface {
	ProposePlan(ctx context.Context, task string) (*Proposal, error)
}

// Error reports that no valid plan could be produced. It fails the run
// before any execution starts.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("planning failed: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Planner turns a request into a validated plan. Workflow requests are
// instantiated from the catalog; free-form requests go through the
// planning provider, with a single-squad fallback when the proposal is
// rejected.
type Planner struct {
	registry      *capability.Registry
	catalog       *workflow.Catalog
	provider      Provider
	fallbackSquad string
	debugLog      func(format string, args ...interface{})
}

// New creates a Planner. provider may be nil, in which case free-form
// requests always use the fallback squad.
func New(registry *capability.Registry, catalog *workflow.Catalog, provider Provider) *Planner {
	return &Planner{
		registry:      registry,
		catalog:       catalog,
		provider:      provider,
		fallbackSquad: "backend",
		debugLog:      func(string, ...interface{}) {},
	}
}

// SetFallbackSquad overrides the squad used when a proposal is rejected.
func (p *Planner) SetFallbackSquad(squadID string) {
	if squadID != "" {
		p.fallbackSquad = squadID
	}
}

// SetDebugLog installs a debug logger.
func (p *Planner) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		p.debugLog = fn
	}
}

// Plan builds the execution plan for req. For workflow mode the matching
// template is returned alongside the plan so the caller can walk its
// steps; for other modes the template is nil.
func (p *Planner) Plan(ctx context.Context, req models.Request) (*graph.Plan, *workflow.Template, error) {
	if req.Mode == models.ModeWorkflow || req.Workflow != "" {
		return p.fromWorkflow(req)
	}
	plan, err := p.fromProvider(ctx, req)
	return plan, nil, err
}

// fromWorkflow instantiates the named template. Step order becomes
// cross-step dependency edges so the plan is meaningful to every
// scheduling mode, and intra-squad capability dependencies are added
// from the registry.
func (p *Planner) fromWorkflow(req models.Request) (*graph.Plan, *workflow.Template, error) {
	tmpl, ok := p.catalog.Get(req.Workflow)
	if !ok {
		return nil, nil, &Error{Reason: fmt.Sprintf("unknown workflow %q", req.Workflow)}
	}

	plan := graph.New()
	var prevStep []string
	for _, step := range tmpl.Steps {
		var stepNodes []string
		for _, squadID := range step.Squads {
			ids, err := p.addSquad(plan, squadID, req.Quality, prevStep)
			if err != nil {
				return nil, nil, err
			}
			stepNodes = append(stepNodes, ids...)
		}
		if len(stepNodes) > 0 {
			prevStep = stepNodes
		}
	}

	if err := p.accept(plan); err != nil {
		return nil, nil, err
	}
	return plan, tmpl, nil
}

// fromProvider asks the planning provider for a proposal and validates
// it. Any rejection falls back to a single-squad plan.
func (p *Planner) fromProvider(ctx context.Context, req models.Request) (*graph.Plan, error) {
	if p.provider == nil {
		p.debugLog("[planner] no planning provider, using fallback squad %s", p.fallbackSquad)
		return p.fallback(req)
	}

	proposal, err := p.provider.ProposePlan(ctx, req.Task)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[planner] proposal failed, falling back: %v", err)
		return p.fallback(req)
	}

	plan, err := p.fromProposal(proposal, req)
	if err != nil {
		log.Printf("[planner] proposal rejected, falling back: %v", err)
		return p.fallback(req)
	}
	return plan, nil
}

func (p *Planner) fromProposal(proposal *Proposal, req models.Request) (*graph.Plan, error) {
	if proposal == nil || len(proposal.Squads) == 0 {
		return nil, &Error{Reason: "empty proposal"}
	}

	for _, squadID := range proposal.Squads {
		if !p.registry.HasSquad(squadID) {
			return nil, &Error{Reason: fmt.Sprintf("unknown squad %q in proposal", squadID)}
		}
	}

	squadDeps := make(map[string][]string)
	for _, dep := range proposal.Dependencies {
		if !p.registry.HasSquad(dep.Before) || !p.registry.HasSquad(dep.After) {
			return nil, &Error{Reason: fmt.Sprintf("dependency references unknown squad (%s -> %s)", dep.Before, dep.After)}
		}
		squadDeps[dep.After] = append(squadDeps[dep.After], dep.Before)
	}

	plan := graph.New()
	nodesBySquad := make(map[string][]string)
	for _, squadID := range proposal.Squads {
		ids, err := p.addSquad(plan, squadID, req.Quality, nil)
		if err != nil {
			return nil, err
		}
		nodesBySquad[squadID] = ids
	}

	// Wire cross-squad edges now that all nodes exist.
	for after, befores := range squadDeps {
		for _, nodeID := range nodesBySquad[after] {
			node := plan.Node(nodeID)
			for _, before := range befores {
				node.DependsOn = append(node.DependsOn, nodesBySquad[before]...)
			}
		}
	}

	if err := p.accept(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// fallback builds a dependency-free plan over the fallback squad only.
func (p *Planner) fallback(req models.Request) (*graph.Plan, error) {
	squadID := p.fallbackSquad
	if !p.registry.HasSquad(squadID) {
		squads := p.registry.Squads()
		if len(squads) == 0 {
			return nil, &Error{Reason: "no squads registered"}
		}
		squadID = squads[0]
	}

	plan := graph.New()
	if _, err := p.addSquad(plan, squadID, req.Quality, nil); err != nil {
		return nil, err
	}
	if err := p.accept(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// addSquad adds one node per registered capability of the squad.
// Intra-squad capability dependencies become node edges; every node also
// depends on crossDeps. Optional capabilities are left out at basic
// quality.
func (p *Planner) addSquad(plan *graph.Plan, squadID string, quality models.QualityLevel, crossDeps []string) ([]string, error) {
	caps := p.registry.Squad(squadID)
	if len(caps) == 0 {
		return nil, &Error{Reason: fmt.Sprintf("squad %q has no capabilities", squadID)}
	}

	included := make(map[string]bool)
	for _, c := range caps {
		if !c.Required && quality == models.QualityBasic {
			continue
		}
		included[c.ID] = true
	}

	var ids []string
	for _, c := range caps {
		if !included[c.ID] {
			continue
		}
		deps := append([]string(nil), crossDeps...)
		for _, depCap := range c.DependsOn {
			if included[depCap] {
				deps = append(deps, nodeID(squadID, depCap))
			}
		}
		node := &models.Node{
			ID:         nodeID(squadID, c.ID),
			Capability: c.ID,
			Squad:      squadID,
			DependsOn:  deps,
		}
		if err := plan.Add(node); err != nil {
			return nil, &Error{Reason: "building plan", Err: err}
		}
		ids = append(ids, node.ID)
	}
	return ids, nil
}

// accept runs final validation: size bound and graph soundness.
func (p *Planner) accept(plan *graph.Plan) error {
	if plan.Size() == 0 {
		return &Error{Reason: "plan has no nodes"}
	}
	if plan.Size() > MaxPlanNodes {
		return &Error{Reason: fmt.Sprintf("plan has %d nodes, limit is %d", plan.Size(), MaxPlanNodes)}
	}
	if err := plan.Validate(); err != nil {
		return &Error{Reason: "plan validation", Err: err}
	}
	p.debugLog("[planner] accepted plan with %d nodes", plan.Size())
	return nil
}

func nodeID(squadID, capabilityID string) string {
	return squadID + "/" + capabilityID
}
