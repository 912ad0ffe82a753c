// Package store persists run records: the plan snapshot, the append-only
// event log, and the final result. It provides an SQLite backend for
// durable state and an in-memory backend for tests and ephemeral runs.
package store

import (
	"errors"
	"io"
	"time"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/pkg/models"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// RunRecord is the persisted shape of one run. It is sufficient to
// reconstruct status after a process restart.
type RunRecord struct {
	RunID     string            `json:"run_id"`
	Request   models.Request    `json:"request"`
	Plan      []*models.Node    `json:"plan"`
	Status    models.RunStatus  `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Result    *models.RunResult `json:"result,omitempty"`
}

// RunStore is the persistence contract the engine depends on.
type RunStore interface {
	io.Closer

	// CreateRun inserts a new record; the run id must be unused.
	CreateRun(rec *RunRecord) error
	// UpdateRun replaces the plan snapshot and status of an existing run.
	UpdateRun(runID string, status models.RunStatus, plan []*models.Node) error
	// SaveResult attaches the final result and terminal status.
	SaveResult(runID string, result *models.RunResult) error
	// AppendEvents appends to the run's event log.
	AppendEvents(runID string, events []bus.Event) error
	// GetRun returns the record for a run id.
	GetRun(runID string) (*RunRecord, error)
	// Events returns the run's event log in sequence order.
	Events(runID string) ([]bus.Event, error)
	// ListRuns returns all records, most recent first.
	ListRuns() ([]*RunRecord, error)
	// RecoverStale marks runs still Running whose last update is older
	// than the threshold as Failed. Returns how many were reconciled.
	RecoverStale(olderThan time.Duration) (int, error)
}
