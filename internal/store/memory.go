package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/pkg/models"
)

// Memory is an in-process RunStore for tests and ephemeral runs.
type Memory struct {
	mu     sync.RWMutex
	runs   map[string]*RunRecord
	events map[string][]bus.Event
}

var _ RunStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:   make(map[string]*RunRecord),
		events: make(map[string][]bus.Event),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// CreateRun inserts a new run record.
func (m *Memory) CreateRun(rec *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.RunID]; exists {
		return fmt.Errorf("run %s already exists", rec.RunID)
	}
	cp := *rec
	cp.Plan = copyPlan(rec.Plan)
	m.runs[rec.RunID] = &cp
	return nil
}

// UpdateRun replaces the plan snapshot and status.
func (m *Memory) UpdateRun(runID string, status models.RunStatus, plan []*models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Plan = copyPlan(plan)
	rec.UpdatedAt = time.Now()
	return nil
}

// SaveResult stores the final result and its terminal status.
func (m *Memory) SaveResult(runID string, result *models.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	cp := *result
	rec.Result = &cp
	rec.Status = result.Status
	rec.UpdatedAt = time.Now()
	return nil
}

// AppendEvents appends events to the run's log.
func (m *Memory) AppendEvents(runID string, events []bus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[runID] = append(m.events[runID], events...)
	return nil
}

// GetRun loads a run record.
func (m *Memory) GetRun(runID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Plan = copyPlan(rec.Plan)
	return &cp, nil
}

// Events returns the run's event log.
func (m *Memory) Events(runID string) ([]bus.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]bus.Event(nil), m.events[runID]...), nil
}

// ListRuns returns all runs, most recent first.
func (m *Memory) ListRuns() ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		cp := *rec
		cp.Plan = copyPlan(rec.Plan)
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
	return recs, nil
}

// RecoverStale reconciles runs stuck in Running to Failed.
func (m *Memory) RecoverStale(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.runs {
		if rec.Status == models.RunRunning && rec.UpdatedAt.Before(cutoff) {
			rec.Status = models.RunFailed
			rec.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func copyPlan(plan []*models.Node) []*models.Node {
	out := make([]*models.Node, len(plan))
	for i, n := range plan {
		cp := *n
		out[i] = &cp
	}
	return out
}
