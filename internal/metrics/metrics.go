// Package metrics accumulates token, time, and cost counters for a run,
// rolled up hierarchically: capability, squad, run.
package metrics

import (
	"sync"

	"github.com/dmerrick/platoon/pkg/models"
)

// Aggregator accumulates usage counters. All levels of the hierarchy are
// updated under one lock, so a snapshot never observes a partially-applied
// increment.
type Aggregator struct {
	mu           sync.RWMutex
	byCapability map[string]models.Usage
	bySquad      map[string]models.Usage
	total        models.Usage
}

// Snapshot is a consistent point-in-time view of all counters.
type Snapshot struct {
	// Capabilities maps capability id to its accumulated usage.
	Capabilities map[string]models.Usage `json:"capabilities"`
	// Squads maps squad id to its accumulated usage.
	Squads map[string]models.Usage `json:"squads"`
	// Total is the run-level accumulated usage.
	Total models.Usage `json:"total"`
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		byCapability: make(map[string]models.Usage),
		bySquad:      make(map[string]models.Usage),
	}
}

// Record adds an invocation's usage to the capability, its squad, and
// the run total atomically.
func (a *Aggregator) Record(capabilityID, squadID string, u models.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.byCapability[capabilityID]
	c.Add(u)
	a.byCapability[capabilityID] = c

	s := a.bySquad[squadID]
	s.Add(u)
	a.bySquad[squadID] = s

	a.total.Add(u)
}

// Capability returns the accumulated usage for one capability.
func (a *Aggregator) Capability(id string) models.Usage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byCapability[id]
}

// Squad returns the accumulated usage for one squad.
func (a *Aggregator) Squad(id string) models.Usage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bySquad[id]
}

// Total returns the run-level accumulated usage.
func (a *Aggregator) Total() models.Usage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.total
}

// Snapshot returns a consistent copy of all counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		Capabilities: make(map[string]models.Usage, len(a.byCapability)),
		Squads:       make(map[string]models.Usage, len(a.bySquad)),
		Total:        a.total,
	}
	for id, u := range a.byCapability {
		snap.Capabilities[id] = u
	}
	for id, u := range a.bySquad {
		snap.Squads[id] = u
	}
	return snap
}
