package bus

import (
	"fmt"
	"sync"
	"testing"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	b := New()

	for i := 1; i <= 5; i++ {
		e := b.Publish("run-1", Event{Type: EventAgentProgress})
		if e.Seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, e.Seq)
		}
	}

	// A second run gets its own counter.
	e := b.Publish("run-2", Event{Type: EventStart})
	if e.Seq != 1 {
		t.Errorf("expected seq 1 for new run, got %d", e.Seq)
	}
}

func TestSubscriberReceivesOrderedStream(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish("run-1", Event{Type: EventAgentProgress, Message: fmt.Sprintf("e%d", i)})
	}
	b.CloseRun("run-1")

	var last uint64
	count := 0
	for e := range ch {
		if e.Seq <= last {
			t.Errorf("sequence went backwards: %d after %d", e.Seq, last)
		}
		last = e.Seq
		count++
	}
	if count != 10 {
		t.Errorf("expected 10 events, got %d", count)
	}
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	b := New()

	b.Publish("run-1", Event{Type: EventStart})
	b.Publish("run-1", Event{Type: EventPlanning})

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	b.Publish("run-1", Event{Type: EventComplete})
	b.CloseRun("run-1")

	var types []EventType
	for e := range ch {
		types = append(types, e.Type)
	}
	want := []EventType{EventStart, EventPlanning, EventComplete}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestFanOutIndependentCopies(t *testing.T) {
	b := New()

	ch1, unsub1 := b.Subscribe("run-1")
	ch2, unsub2 := b.Subscribe("run-1")
	defer unsub1()
	defer unsub2()

	for i := 0; i < 5; i++ {
		b.Publish("run-1", Event{Type: EventAgentProgress})
	}
	b.CloseRun("run-1")

	count := func(ch <-chan Event) int {
		n := 0
		for range ch {
			n++
		}
		return n
	}
	if n := count(ch1); n != 5 {
		t.Errorf("subscriber 1: expected 5 events, got %d", n)
	}
	if n := count(ch2); n != 5 {
		t.Errorf("subscriber 2: expected 5 events, got %d", n)
	}
}

func TestUnsubscribeDoesNotAffectOthers(t *testing.T) {
	b := New()

	ch1, unsub1 := b.Subscribe("run-1")
	ch2, unsub2 := b.Subscribe("run-1")
	defer unsub2()

	b.Publish("run-1", Event{Type: EventStart})
	unsub1()
	b.Publish("run-1", Event{Type: EventComplete})
	b.CloseRun("run-1")

	n1 := 0
	for range ch1 {
		n1++
	}
	if n1 != 1 {
		t.Errorf("unsubscribed channel: expected 1 event, got %d", n1)
	}

	n2 := 0
	for range ch2 {
		n2++
	}
	if n2 != 2 {
		t.Errorf("remaining subscriber: expected 2 events, got %d", n2)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewWithBuffer(2)

	_, unsub := b.Subscribe("run-1")
	defer unsub()

	// Publish far past the buffer; Publish must not block.
	for i := 0; i < 50; i++ {
		b.Publish("run-1", Event{Type: EventAgentProgress})
	}

	if b.Dropped() == 0 {
		t.Error("expected dropped events for slow subscriber")
	}
	// The authoritative log is still complete.
	if n := len(b.Log("run-1")); n != 50 {
		t.Errorf("expected complete log of 50 events, got %d", n)
	}
}

func TestConcurrentPublishersKeepSeqUnique(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish("run-1", Event{Type: EventAgentProgress})
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, e := range b.Log("run-1") {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
	}
	if len(seen) != 1000 {
		t.Errorf("expected 1000 unique seqs, got %d", len(seen))
	}
}

func TestSubscribeAfterCloseGetsReplayOnly(t *testing.T) {
	b := New()
	b.Publish("run-1", Event{Type: EventStart})
	b.CloseRun("run-1")

	ch, _ := b.Subscribe("run-1")
	n := 0
	for range ch {
		n++
	}
	if n != 1 {
		t.Errorf("expected 1 replayed event, got %d", n)
	}
}
