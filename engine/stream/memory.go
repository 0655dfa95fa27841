package stream

import (
	"context"
	"sync"
)

// MemorySink buffers events per root task id for SSE fetchers. Appends are
// ordered; readers poll by offset and block on WaitFor until new events or a
// final event arrive.
type MemorySink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events map[string][]Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	s := &MemorySink{events: make(map[string][]Event)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *MemorySink) SupportsCancelEvents() bool { return true }

// Put appends the event under its root task id.
func (s *MemorySink) Put(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RootTaskID] = append(s.events[event.RootTaskID], event)
	s.cond.Broadcast()
	return nil
}

func (s *MemorySink) Close() {}

// Events returns a copy of the buffered events for a root task.
func (s *MemorySink) Events(rootTaskID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	buffered := s.events[rootTaskID]
	events := make([]Event, len(buffered))
	copy(events, buffered)
	return events
}

// WaitFor blocks until the buffer for rootTaskID grows beyond offset or the
// context is done, and returns the events past offset.
func (s *MemorySink) WaitFor(ctx context.Context, rootTaskID string, offset int) []Event {
	// Wake the cond wait when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.events[rootTaskID]) <= offset && ctx.Err() == nil {
		s.cond.Wait()
	}
	buffered := s.events[rootTaskID]
	if len(buffered) <= offset {
		return nil
	}
	events := make([]Event, len(buffered)-offset)
	copy(events, buffered[offset:])
	return events
}

// Drop discards the buffer of a finished root task.
func (s *MemorySink) Drop(rootTaskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, rootTaskID)
}
