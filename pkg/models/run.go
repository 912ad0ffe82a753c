package models

import "time"

// RunStatus represents the lifecycle state of an orchestration run.
type RunStatus string

const (
	// RunRunning indicates the run is still executing.
	RunRunning RunStatus = "running"
	// RunCompleted indicates every node succeeded and all checks passed.
	RunCompleted RunStatus = "completed"
	// RunCompletedWithIssues indicates execution finished but the quality
	// gate exhausted its budget with checks still failing.
	RunCompletedWithIssues RunStatus = "completed_with_issues"
	// RunFailed indicates planning failed or a required capability
	// exhausted its retries.
	RunFailed RunStatus = "failed"
	// RunCancelled indicates the run was cancelled; partial results are kept.
	RunCancelled RunStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunCompletedWithIssues, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a run never leaves.
func (s RunStatus) Terminal() bool {
	return s != RunRunning
}

// CheckResult is the outcome of one quality check against an artifact.
type CheckResult struct {
	// CheckID identifies the check that ran.
	CheckID string `json:"check_id"`
	// Passed is true if the artifact satisfied the check.
	Passed bool `json:"passed"`
	// Detail is a human-readable explanation of the outcome.
	Detail string `json:"detail,omitempty"`
	// Fixable indicates the auto-fix loop may remediate this failure.
	Fixable bool `json:"fixable"`
}

// RunResult is the final outcome of a run.
type RunResult struct {
	// Status is the terminal run status.
	Status RunStatus `json:"status"`
	// Error is the run-level failure detail, if any.
	Error string `json:"error,omitempty"`
	// Artifacts maps squad id to the squad's merged artifact.
	Artifacts map[string]string `json:"artifacts,omitempty"`
	// FailingChecks holds the last quality gate iteration's failures.
	FailingChecks []CheckResult `json:"failing_checks,omitempty"`
	// QualityGateIterations is how many gate iterations ran.
	QualityGateIterations int `json:"quality_gate_iterations"`
	// Usage is the aggregated resource consumption for the run.
	Usage Usage `json:"usage"`
	// FinishedAt is when the run reached its terminal status.
	FinishedAt time.Time `json:"finished_at"`
}

// RunStatusReport is the point-in-time view returned by GetStatus.
type RunStatusReport struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`
	// Status is the current run status.
	Status RunStatus `json:"status"`
	// Progress is 0-100 and monotonically non-decreasing until terminal.
	Progress int `json:"progress"`
	// Nodes maps node id to its current status.
	Nodes map[string]NodeStatus `json:"nodes"`
	// Usage is the aggregated resource consumption so far.
	Usage Usage `json:"usage"`
}
