package sink

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

type EventType string

const (
	EventWorkflowCreated EventType = "workflow_created"
	EventWorkflowStatus  EventType = "workflow_status"
	EventTaskStatus      EventType = "task_status"
)

// Event is a single workflow or task status transition.
type Event struct {
	Type           EventType           `json:"type"`
	WorkflowID     string              `json:"workflow_id"`
	WorkflowName   string              `json:"workflow_name,omitempty"`
	TaskID         string              `json:"task_id,omitempty"`
	AgentName      string              `json:"agent,omitempty"`
	TaskStatus     workflow.TaskStatus `json:"task_status,omitempty"`
	WorkflowStatus workflow.Status     `json:"workflow_status"`
	Error          *workflow.TaskError `json:"error,omitempty"`
	Cancelled      bool                `json:"cancelled,omitempty"`
	// Seq orders events within one workflow.
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event announces a finished workflow.
func (e Event) Terminal() bool {
	return e.Type == EventWorkflowStatus && e.WorkflowStatus.Terminal()
}

// Sink receives transitions. Publish must never block.
type Sink interface {
	Publish(Event)
}

// Handler consumes events on the dispatcher goroutine.
type Handler func(Event)

// Dispatcher is a buffered, best-effort Sink. Events are fanned out to the
// subscribed handlers on a single goroutine, so a handler sees events in the
// order they were published. When the buffer is full new events are dropped.
type Dispatcher struct {
	ch       chan Event
	mu       sync.RWMutex
	closed   bool
	handlers []Handler
	dropped  atomic.Uint64
	done     chan struct{}
}

func NewDispatcher(buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe registers h for every event published after the call.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		if n := d.dropped.Add(1); n%100 == 1 {
			slog.Warn("sink buffer full, dropping events", "dropped", n, "workflow", e.WorkflowID)
		}
	}
}

// Dropped returns how many events were discarded on backpressure.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits until the buffered ones are handled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		d.mu.RLock()
		handlers := d.handlers
		d.mu.RUnlock()
		for _, h := range handlers {
			d.deliver(h, e)
		}
	}
}

func (d *Dispatcher) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sink handler panicked", "type", e.Type, "workflow", e.WorkflowID, "panic", r)
		}
	}()
	h(e)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
