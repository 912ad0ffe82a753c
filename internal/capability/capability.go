// Package capability defines the capability contract and the registry the
// planner and scheduler look capabilities up from. Capabilities are
// stateless descriptors; how one computes its output is the provider's
// concern.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmerrick/platoon/pkg/models"
)

// Capability identifies one unit of work a squad can perform.
// Capabilities are registered once and never subclassed; behavior lives
// entirely behind the Provider interface.
type Capability struct {
	// ID uniquely identifies the capability.
	ID string `json:"id"`
	// Squad is the squad this capability belongs to.
	Squad string `json:"squad"`
	// Required marks capabilities whose failure fails the squad.
	// Optional capability failures are recorded as warnings.
	Required bool `json:"required"`
	// DependsOn lists capability IDs within the same squad that must
	// succeed first (e.g. a reviewer consuming a coder's output).
	DependsOn []string `json:"depends_on,omitempty"`
	// Description is a short human-readable summary.
	Description string `json:"description,omitempty"`
}

// Input is the context handed to a capability invocation.
type Input struct {
	// Task is the run's task description.
	Task string
	// Artifacts maps producer id (capability or squad) to prior output
	// the invocation may build on.
	Artifacts map[string]string
	// Instructions carries extra directives, e.g. a quality gate fix
	// request listing the failing checks.
	Instructions string
}

// Result is the outcome of a successful invocation.
type Result struct {
	// Artifact is the produced output.
	Artifact string
	// Usage is the resource consumption of the invocation.
	Usage models.Usage
}

// Provider invokes capabilities. Implementations must honor context
// cancellation promptly; an in-flight call aborted via ctx must return
// ctx.Err() (or an error wrapping it).
type Provider interface {
	Invoke(ctx context.Context, capabilityID string, input Input) (*Result, error)
}

// Registry is a lookup table of capabilities keyed by id and grouped by
// squad. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Capability
	squad map[string][]string // squad id -> capability ids, insertion order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]Capability),
		squad: make(map[string][]string),
	}
}

// Register adds a capability. Registering a duplicate id or an intra-squad
// dependency on an unknown capability is an error.
func (r *Registry) Register(c Capability) error {
	if c.ID == "" || c.Squad == "" {
		return fmt.Errorf("capability needs id and squad, got id=%q squad=%q", c.ID, c.Squad)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[c.ID]; exists {
		return fmt.Errorf("capability %s already registered", c.ID)
	}
	for _, dep := range c.DependsOn {
		existing, ok := r.byID[dep]
		if !ok {
			return fmt.Errorf("capability %s depends on unknown capability %s", c.ID, dep)
		}
		if existing.Squad != c.Squad {
			return fmt.Errorf("capability %s depends on %s from another squad", c.ID, dep)
		}
	}

	r.byID[c.ID] = c
	r.squad[c.Squad] = append(r.squad[c.Squad], c.ID)
	return nil
}

// Get returns the capability for an id.
func (r *Registry) Get(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Squad returns the capabilities of a squad in registration order.
func (r *Registry) Squad(squadID string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.squad[squadID]
	caps := make([]Capability, 0, len(ids))
	for _, id := range ids {
		caps = append(caps, r.byID[id])
	}
	return caps
}

// HasSquad returns true if at least one capability is registered for the squad.
func (r *Registry) HasSquad(squadID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.squad[squadID]) > 0
}

// Squads returns all squad ids, sorted.
func (r *Registry) Squads() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	squads := make([]string, 0, len(r.squad))
	for id := range r.squad {
		squads = append(squads, id)
	}
	sort.Strings(squads)
	return squads
}

// DefaultRegistry returns the built-in software-delivery squads.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	caps := []Capability{
		{ID: "requirements_analyst", Squad: "business", Required: true, Description: "Turns the task into concrete requirements"},
		{ID: "acceptance_writer", Squad: "business", Required: false, DependsOn: []string{"requirements_analyst"}, Description: "Writes acceptance criteria from the requirements"},
		{ID: "api_designer", Squad: "backend", Required: true, Description: "Designs the service API surface"},
		{ID: "backend_coder", Squad: "backend", Required: true, DependsOn: []string{"api_designer"}, Description: "Implements the backend"},
		{ID: "ui_designer", Squad: "frontend", Required: true, Description: "Designs the interface"},
		{ID: "frontend_coder", Squad: "frontend", Required: true, DependsOn: []string{"ui_designer"}, Description: "Implements the interface"},
		{ID: "schema_designer", Squad: "database", Required: true, Description: "Designs the data model"},
		{ID: "migration_writer", Squad: "database", Required: false, DependsOn: []string{"schema_designer"}, Description: "Writes schema migrations"},
		{ID: "test_writer", Squad: "qa", Required: true, Description: "Writes tests for produced artifacts"},
		{ID: "code_reviewer", Squad: "qa", Required: false, Description: "Reviews produced artifacts"},
	}
	for _, c := range caps {
		// Registration order satisfies dependencies; a failure here is a
		// programming error in the table above.
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}
