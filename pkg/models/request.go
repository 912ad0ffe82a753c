// Package models contains the shared data types for platoon runs.
package models

import "time"

// ExecutionMode controls how the scheduler dispatches plan nodes.
type ExecutionMode string

const (
	// ModeSequential linearizes the plan into one topological order.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel runs every ready node concurrently; used when the plan
	// has no real dependency edges.
	ModeParallel ExecutionMode = "parallel"
	// ModeHybrid runs ready nodes concurrently while honoring dependency
	// edges; this is the general case.
	ModeHybrid ExecutionMode = "hybrid"
	// ModeWorkflow strictly follows a named workflow template's step order.
	ModeWorkflow ExecutionMode = "workflow"
)

// Valid returns true if the mode is a known value.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeHybrid, ModeWorkflow:
		return true
	default:
		return false
	}
}

// QualityLevel selects how strict the quality gate is for a run.
type QualityLevel string

const (
	// QualityBasic runs only the syntax-level checks.
	QualityBasic QualityLevel = "basic"
	// QualityStandard runs the default check list.
	QualityStandard QualityLevel = "standard"
	// QualityStrict runs every registered check.
	QualityStrict QualityLevel = "strict"
)

// Request describes one orchestration run. It is immutable once accepted
// by the engine.
type Request struct {
	// Task is the high-level task description.
	Task string `json:"task"`
	// Workflow optionally names a workflow template to instantiate.
	// When set, the planning provider is not consulted.
	Workflow string `json:"workflow,omitempty"`
	// Mode is the execution mode for the run.
	Mode ExecutionMode `json:"mode"`
	// Quality selects the quality gate strictness.
	Quality QualityLevel `json:"quality"`
	// MaxIterations bounds the quality gate auto-fix loop.
	MaxIterations int `json:"max_iterations"`
	// AutoFix enables the quality gate remediation loop.
	AutoFix bool `json:"auto_fix"`
	// Timeout bounds the whole run. Zero means the configured default.
	Timeout time.Duration `json:"timeout"`
	// MaxParallel bounds concurrent capability invocations.
	// Zero means the configured default.
	MaxParallel int `json:"max_parallel"`
}
