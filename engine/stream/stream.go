// Package stream implements the progress event bus and its delivery sinks:
// an in-memory buffer for SSE fetchers and a webhook HTTP client.
package stream

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind enumerates progress event types.
type EventKind string

const (
	KindTaskStart     EventKind = "task_start"
	KindProgress      EventKind = "progress"
	KindTaskCompleted EventKind = "task_completed"
	KindTaskFailed    EventKind = "task_failed"
	KindTaskCancelled EventKind = "task_cancelled"
	KindFinal         EventKind = "final"
)

// Event is one progress notification of a running task tree.
type Event struct {
	RootTaskID string         `json:"root_task_id"`
	TaskID     string         `json:"task_id"`
	Kind       EventKind      `json:"kind"`
	Status     string         `json:"status,omitempty"`
	Progress   float64        `json:"progress"`
	Message    string         `json:"message,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Final      bool           `json:"final"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink consumes events from the bus.
type Sink interface {
	Put(event Event) error
	Close()
	// SupportsCancelEvents reports whether the sink understands
	// task_cancelled; the bus downgrades to task_failed otherwise.
	SupportsCancelEvents() bool
}

// Bus fans events out to its sinks through a bounded queue drained by a
// single consumer loop, terminated by a close sentinel.
type Bus struct {
	sinks   []Sink
	eventCh chan Event
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

const busBuffer = 256

// NewBus creates a bus over the given sinks and starts its consumer loop.
func NewBus(sinks ...Sink) *Bus {
	b := &Bus{
		sinks:   sinks,
		eventCh: make(chan Event, busBuffer),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for e := range b.eventCh {
		for _, sink := range b.sinks {
			delivered := e
			if e.Kind == KindTaskCancelled && !sink.SupportsCancelEvents() {
				delivered.Kind = KindTaskFailed
			}
			// Recover from sink panics to protect the loop.
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("stream: recovered from sink panic", "panic", r, "task_id", e.TaskID)
					}
				}()
				if err := sink.Put(delivered); err != nil {
					// Sink failures never fail the producing task.
					slog.Warn("stream: sink delivery failed",
						"kind", string(delivered.Kind),
						"task_id", delivered.TaskID,
						"error", err)
				}
			}()
		}
	}
}

// Publish enqueues an event for delivery. Publishing after Close is a no-op.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.eventCh <- event
}

// Close drains pending events, stops the consumer, and closes every sink.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.eventCh)
	b.wg.Wait()
	for _, sink := range b.sinks {
		sink.Close()
	}
}
