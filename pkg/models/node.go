package models

import "time"

// NodeStatus represents the current state of a plan node.
type NodeStatus string

const (
	// NodePending indicates the node is waiting on dependencies.
	NodePending NodeStatus = "pending"
	// NodeReady indicates every dependency has succeeded.
	NodeReady NodeStatus = "ready"
	// NodeRunning indicates a capability invocation is in flight.
	NodeRunning NodeStatus = "running"
	// NodeSucceeded indicates the invocation produced an artifact.
	NodeSucceeded NodeStatus = "succeeded"
	// NodeFailed indicates the invocation exhausted its retry budget.
	NodeFailed NodeStatus = "failed"
	// NodeCancelled indicates the node was cancelled before or during execution.
	NodeCancelled NodeStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodePending, NodeReady, NodeRunning, NodeSucceeded, NodeFailed, NodeCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a node never leaves.
func (s NodeStatus) Terminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeCancelled
}

// CancelReasonSkipped marks nodes whose workflow step condition evaluated
// false, as opposed to a true cancellation.
const CancelReasonSkipped = "skipped-by-condition"

// Node is one capability invocation within an execution plan.
type Node struct {
	// ID uniquely identifies the node within its plan.
	ID string `json:"id"`
	// Capability is the id of the capability this node invokes.
	Capability string `json:"capability"`
	// Squad is the squad the capability belongs to.
	Squad string `json:"squad"`
	// DependsOn lists node IDs that must succeed before this node runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current node state.
	Status NodeStatus `json:"status"`
	// Result holds the invocation outcome once the node is terminal.
	Result *NodeResult `json:"result,omitempty"`
	// RetryCount is the number of retries the invocation consumed.
	RetryCount int `json:"retry_count,omitempty"`
	// CancelReason distinguishes condition skips from true cancellations.
	CancelReason string `json:"cancel_reason,omitempty"`
}

// NodeResult is the outcome of one capability invocation.
type NodeResult struct {
	// Artifact is the produced output.
	Artifact string `json:"artifact,omitempty"`
	// Error is the failure detail for failed nodes.
	Error string `json:"error,omitempty"`
	// Usage is the resource consumption of the invocation.
	Usage Usage `json:"usage"`
	// CompletedAt is when the node reached a terminal status.
	CompletedAt time.Time `json:"completed_at"`
}

// Usage aggregates token, time, and cost counters for an invocation,
// a squad, or a whole run.
type Usage struct {
	// InputTokens is the total input tokens consumed.
	InputTokens int64 `json:"input_tokens"`
	// OutputTokens is the total output tokens produced.
	OutputTokens int64 `json:"output_tokens"`
	// CostUSD is the estimated dollar cost.
	CostUSD float64 `json:"cost_usd"`
	// Duration is the wall-clock time spent.
	Duration time.Duration `json:"duration"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
	u.Duration += other.Duration
}
