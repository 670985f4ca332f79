package events

import (
	"sync"
	"testing"
)

func TestDrainReturnsPushedEventsAndEmptiesLog(t *testing.T) {
	s := New()
	s.Push(ComputeEvent{NodeID: 1, Name: "perlin", Source: SourceComputed, ElapsedMs: 1.2})
	s.Push(ComputeEvent{NodeID: 2, Name: "blur", Source: SourceMemoryCache, ElapsedMs: 0.1})

	drained := s.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain() returned %d events, want 2", len(drained))
	}
	if s.Len() != 0 {
		t.Fatalf("Len() after Drain = %d, want 0", s.Len())
	}
}

func TestDrainConcurrentPushesLosesNothingWithinOneDrain(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Push(ComputeEvent{NodeID: i, Source: SourceComputed})
		}(i)
	}
	wg.Wait()

	if got := len(s.Drain()); got != 50 {
		t.Fatalf("Drain() returned %d events, want 50", got)
	}
}
