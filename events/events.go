// Package events implements the event service (§4.6): a fire-and-forget
// log of per-node compute events for UI polling.
//
// It is grounded on the swap-and-return drain idiom the teacher uses for
// mutex-guarded state a caller wants to take ownership of in one shot,
// rather than iterate under lock.
package events

import "sync"

// Event sources (§4.6).
const (
	SourceMemoryCache           = "memory_cache"
	SourceDiskCache             = "disk_cache"
	SourceComputed              = "computed"
	SourceHPUpdate              = "hp_update"
	SourceRTUpdate              = "rt_update"
	SourceDownsample            = "downsample"
	SourceDownsamplePassthrough = "downsample_passthrough"
)

// ComputeEvent is one entry of the event log (§4.6 "ComputeEvent {id,
// name, source, elapsed_ms}").
type ComputeEvent struct {
	NodeID    int
	Name      string
	Source    string
	ElapsedMs float64
}

// Service is a single mutex-guarded event log. Loss of events on drop is
// acceptable (§4.6 "fire-and-forget for UI polling").
type Service struct {
	mu     sync.Mutex
	events []ComputeEvent
}

// New returns an empty event service.
func New() *Service {
	return &Service{}
}

// Push appends ev to the log.
func (s *Service) Push(ev ComputeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Drain swaps the accumulated events out and returns them, leaving the
// log empty (§4.6 "drain swaps into a local vector and returns it").
func (s *Service) Drain() []ComputeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.events
	s.events = nil
	return drained
}

// Len reports the number of events currently buffered, without draining
// them.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
