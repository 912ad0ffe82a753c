// Package bus provides the run-scoped event stream: ordered lifecycle
// events fanned out to any number of subscribers.
package bus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType is the kind of lifecycle event.
type EventType string

const (
	// EventStart indicates a run has been accepted.
	EventStart EventType = "start"
	// EventPlanning indicates plan construction is in progress.
	EventPlanning EventType = "planning"
	// EventSquadStarted indicates a squad turn has begun.
	EventSquadStarted EventType = "squad_started"
	// EventSquadCompleted indicates a squad turn has finished.
	EventSquadCompleted EventType = "squad_completed"
	// EventAgentStarted indicates a capability invocation has begun.
	EventAgentStarted EventType = "agent_started"
	// EventAgentProgress provides periodic updates on an invocation.
	EventAgentProgress EventType = "agent_progress"
	// EventAgentCompleted indicates a capability invocation succeeded.
	EventAgentCompleted EventType = "agent_completed"
	// EventAgentFailed indicates a capability invocation failed.
	EventAgentFailed EventType = "agent_failed"
	// EventQualityGateStarted indicates a quality gate iteration has begun.
	EventQualityGateStarted EventType = "quality_gate_started"
	// EventQualityGateCompleted carries per-check results for an iteration.
	EventQualityGateCompleted EventType = "quality_gate_completed"
	// EventIteration indicates an auto-fix iteration is starting.
	EventIteration EventType = "iteration"
	// EventComplete indicates the run reached a successful terminal status.
	EventComplete EventType = "complete"
	// EventError indicates a run-level failure.
	EventError EventType = "error"
	// EventEnd closes the stream; it is always the last event of a run.
	EventEnd EventType = "end"
)

// Event is one entry in a run's ordered event stream.
type Event struct {
	// Seq is the per-run monotonic sequence number, assigned on publish.
	Seq uint64 `json:"seq"`
	// RunID identifies the run the event belongs to.
	RunID string `json:"run_id"`
	// Type is the kind of event.
	Type EventType `json:"event_type"`
	// Phase names the orchestration phase (planning, execution, quality_gate).
	Phase string `json:"phase,omitempty"`
	// Agent is the capability id, if applicable.
	Agent string `json:"agent,omitempty"`
	// Message provides human-readable context.
	Message string `json:"message,omitempty"`
	// Progress is the run progress 0-100 at publish time.
	Progress int `json:"progress"`
	// Data carries event-specific payload.
	Data map[string]interface{} `json:"data,omitempty"`
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Bus fans events out per run. Every subscriber gets an independent,
// complete copy of the run's stream: events published before subscription
// are replayed in order. A slow subscriber never blocks the publisher;
// its overflow is dropped and counted.
type Bus struct {
	mu         sync.RWMutex
	runs       map[string]*runStream
	bufferSize int
	dropped    atomic.Uint64
}

type runStream struct {
	seq     uint64
	log     []Event
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// New creates a Bus with the default subscriber buffer size.
func New() *Bus {
	return NewWithBuffer(DefaultBufferSize)
}

// NewWithBuffer creates a Bus with the given subscriber buffer size.
func NewWithBuffer(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		runs:       make(map[string]*runStream),
		bufferSize: size,
	}
}

// Publish assigns the next sequence number for the run and delivers the
// event to every subscriber. Returns the event with Seq and Timestamp set.
func (b *Bus) Publish(runID string, e Event) Event {
	b.mu.Lock()
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runStream{subs: make(map[int]chan Event)}
		b.runs[runID] = rs
	}
	if rs.closed {
		b.mu.Unlock()
		return e
	}

	rs.seq++
	e.Seq = rs.seq
	e.RunID = runID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	rs.log = append(rs.log, e)

	for id, ch := range rs.subs {
		select {
		case ch <- e:
		default:
			count := b.dropped.Add(1)
			if count%10 == 1 { // Log every 10th drop to avoid spam
				log.Printf("[bus] WARNING: subscriber %d for run %s full, dropped event (total dropped: %d): type=%s", id, runID, count, e.Type)
			}
		}
	}
	b.mu.Unlock()
	return e
}

// Subscribe returns a channel of the run's events and an unsubscribe
// function. Events already published are replayed first, in order.
// Unsubscribing does not affect the run or other subscribers.
//
// A subscriber that stops draining past its buffer has events dropped
// rather than blocking the publisher, so a live stream can have gaps.
// The complete ordered stream is always available from the run's
// persisted event log.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runStream{subs: make(map[int]chan Event)}
		b.runs[runID] = rs
	}

	ch := make(chan Event, len(rs.log)+b.bufferSize)
	for _, e := range rs.log {
		ch <- e
	}

	if rs.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}

	id := rs.nextSub
	rs.nextSub++
	rs.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if cur, ok := rs.subs[id]; ok {
				delete(rs.subs, id)
				close(cur)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// CloseRun ends the run's stream: subscriber channels are closed after
// draining and late subscribers only get the replay.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs, ok := b.runs[runID]
	if !ok || rs.closed {
		return
	}
	rs.closed = true
	for id, ch := range rs.subs {
		delete(rs.subs, id)
		close(ch)
	}
}

// Log returns a copy of the run's event log so far.
func (b *Bus) Log(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rs, ok := b.runs[runID]
	if !ok {
		return nil
	}
	return append([]Event(nil), rs.log...)
}

// Dropped returns the total number of events dropped on slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
