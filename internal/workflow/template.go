// Package workflow provides the named template catalog and the engine
// that walks a template's squad steps in order.
package workflow

import (
	"fmt"
	"strings"
)

// Condition gates a step on prior step outputs. An empty condition is
// always true. Contains and NotContains match case-insensitively against
// the named squad's merged artifact.
type Condition struct {
	// ArtifactOf names the squad whose artifact is inspected. The special
	// value "task" inspects the run's task description instead.
	ArtifactOf string `yaml:"artifact_of"`
	// Contains requires the text to be present.
	Contains string `yaml:"contains,omitempty"`
	// NotContains requires the text to be absent.
	NotContains string `yaml:"not_contains,omitempty"`
}

// Evaluate returns whether the step should run. Task is the run's task
// description; artifacts maps squad id to merged output of prior steps.
func (c *Condition) Evaluate(task string, artifacts map[string]string) bool {
	if c == nil || c.ArtifactOf == "" {
		return true
	}

	var subject string
	if c.ArtifactOf == "task" {
		subject = task
	} else {
		subject = artifacts[c.ArtifactOf]
	}
	subject = strings.ToLower(subject)

	if c.Contains != "" && !strings.Contains(subject, strings.ToLower(c.Contains)) {
		return false
	}
	if c.NotContains != "" && strings.Contains(subject, strings.ToLower(c.NotContains)) {
		return false
	}
	return true
}

// Step is one entry of a template: one or more squads that run for this
// phase, optionally gated by a condition.
type Step struct {
	// Name identifies the step within its template.
	Name string `yaml:"name"`
	// Squads lists the squads that run for this step.
	Squads []string `yaml:"squads"`
	// Condition optionally gates the step.
	Condition *Condition `yaml:"condition,omitempty"`
}

// Template is a named, ordered sequence of steps.
type Template struct {
	// Name is the template's catalog key.
	Name string `yaml:"name"`
	// Description is a short human-readable summary.
	Description string `yaml:"description,omitempty"`
	// Steps execute strictly in order.
	Steps []Step `yaml:"steps"`
}

// Validate checks structural soundness: non-empty steps, and each squad
// appearing in at most one step (squad nodes are resolved per squad, so a
// repeat would be ambiguous).
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s has no steps", t.Name)
	}

	seen := make(map[string]string)
	for _, step := range t.Steps {
		if len(step.Squads) == 0 {
			return fmt.Errorf("template %s step %q names no squads", t.Name, step.Name)
		}
		for _, squadID := range step.Squads {
			if prev, dup := seen[squadID]; dup {
				return fmt.Errorf("template %s: squad %s appears in steps %q and %q", t.Name, squadID, prev, step.Name)
			}
			seen[squadID] = step.Name
		}
	}
	return nil
}

// Builtins returns the compiled-in workflow templates.
func Builtins() []*Template {
	return []*Template{
		{
			Name:        "api_development",
			Description: "Requirements, then backend implementation, then QA",
			Steps: []Step{
				{Name: "requirements", Squads: []string{"business"}},
				{Name: "implementation", Squads: []string{"backend"}},
				{Name: "database", Squads: []string{"database"},
					Condition: &Condition{ArtifactOf: "business", Contains: "schema"}},
				{Name: "verification", Squads: []string{"qa"}},
			},
		},
		{
			Name:        "bug_fix",
			Description: "Reproduce and fix, then verify",
			Steps: []Step{
				{Name: "fix", Squads: []string{"backend"}},
				{Name: "verification", Squads: []string{"qa"}},
			},
		},
		{
			Name:        "full_stack_feature",
			Description: "Requirements, parallel backend/frontend/database, then QA",
			Steps: []Step{
				{Name: "requirements", Squads: []string{"business"}},
				{Name: "implementation", Squads: []string{"backend", "frontend", "database"}},
				{Name: "verification", Squads: []string{"qa"}},
			},
		},
	}
}
