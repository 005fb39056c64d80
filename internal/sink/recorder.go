package sink

import (
	"sync"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

// Recorder keeps every event in memory. It is a synchronous Sink meant for
// tests and dry runs, where it doubles as the transition log.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// TaskTransitions returns the task events of one workflow in publish order.
func (r *Recorder) TaskTransitions(workflowID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.WorkflowID == workflowID && e.Type == EventTaskStatus {
			out = append(out, e)
		}
	}
	return out
}

// IndexOf returns the position of the first transition of taskID to status
// in the workflow's task log, or -1.
func (r *Recorder) IndexOf(workflowID, taskID string, status workflow.TaskStatus) int {
	for i, e := range r.TaskTransitions(workflowID) {
		if e.TaskID == taskID && e.TaskStatus == status {
			return i
		}
	}
	return -1
}

// WaitFor blocks until an event matching fn is recorded or timeout elapses.
func (r *Recorder) WaitFor(fn func(Event) bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, e := range r.Events() {
			if fn(e) {
				return true
			}
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return false
		}
	}
}
