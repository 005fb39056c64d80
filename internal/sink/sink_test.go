package sink

import (
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

func TestDispatcherFanOutInOrder(t *testing.T) {
	d := NewDispatcher(16)

	var mu sync.Mutex
	var a, b []uint64
	d.Subscribe(func(e Event) { mu.Lock(); a = append(a, e.Seq); mu.Unlock() })
	d.Subscribe(func(e Event) { mu.Lock(); b = append(b, e.Seq); mu.Unlock() })

	for i := uint64(1); i <= 10; i++ {
		d.Publish(Event{Type: EventTaskStatus, WorkflowID: "wf", Seq: i})
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(a) != 10 || len(b) != 10 {
		t.Fatalf("expected both handlers to see 10 events, got %d and %d", len(a), len(b))
	}
	for i, seq := range a {
		if seq != uint64(i+1) {
			t.Fatalf("expected in-order delivery, got %v", a)
		}
	}
}

func TestDispatcherDropsOnBackpressure(t *testing.T) {
	d := NewDispatcher(1)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Subscribe(func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	d.Publish(Event{Seq: 1})
	<-started // handler is now blocked holding event 1

	done := make(chan struct{})
	go func() {
		for i := uint64(2); i <= 50; i++ {
			d.Publish(Event{Seq: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow handler")
	}

	if d.Dropped() == 0 {
		t.Error("expected dropped events")
	}
	close(release)
	d.Close()
}

func TestDispatcherSurvivesPanickingHandler(t *testing.T) {
	d := NewDispatcher(4)
	got := make(chan uint64, 2)
	d.Subscribe(func(e Event) {
		if e.Seq == 1 {
			panic("boom")
		}
	})
	d.Subscribe(func(e Event) { got <- e.Seq })

	d.Publish(Event{Seq: 1})
	d.Publish(Event{Seq: 2})
	d.Close()

	if len(got) != 2 {
		t.Fatalf("expected second handler to see both events, got %d", len(got))
	}
}

func TestPublishAfterClose(t *testing.T) {
	d := NewDispatcher(1)
	d.Close()
	d.Publish(Event{}) // must not panic
	d.Close()
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Publish(Event{Type: EventWorkflowCreated, WorkflowID: "wf"})
	r.Publish(Event{Type: EventTaskStatus, WorkflowID: "wf", TaskID: "a", TaskStatus: workflow.TaskReady})
	r.Publish(Event{Type: EventTaskStatus, WorkflowID: "other", TaskID: "a", TaskStatus: workflow.TaskReady})
	r.Publish(Event{Type: EventTaskStatus, WorkflowID: "wf", TaskID: "a", TaskStatus: workflow.TaskRunning})

	if n := len(r.TaskTransitions("wf")); n != 2 {
		t.Fatalf("expected 2 task transitions, got %d", n)
	}
	if r.IndexOf("wf", "a", workflow.TaskRunning) != 1 {
		t.Error("expected running at index 1")
	}
	if r.IndexOf("wf", "a", workflow.TaskFailed) != -1 {
		t.Error("expected -1 for missing transition")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Publish(Event{Type: EventWorkflowStatus, WorkflowID: "wf", WorkflowStatus: workflow.StatusCompleted})
	}()
	if !r.WaitFor(Event.Terminal, time.Second) {
		t.Fatal("expected terminal event")
	}
}
