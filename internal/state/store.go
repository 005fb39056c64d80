package state

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/flowmesh/internal/graph"
	"github.com/mtzanidakis/flowmesh/internal/sink"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

// Persister receives a snapshot after every mutation. Failures are logged and
// never stop a run.
type Persister interface {
	SaveWorkflow(v workflow.View) error
}

// Payload carries the outcome attached to a task transition.
type Payload struct {
	Result json.RawMessage
	Error  *workflow.TaskError
}

type entry struct {
	mu    sync.Mutex
	wf    *workflow.Workflow
	graph *graph.Graph
	seq   uint64
}

// Store is the single source of truth for workflow and task state. Every
// mutation of a workflow is serialized on that workflow's lock; different
// workflows never contend beyond the map lookup.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	sink    sink.Sink
	persist Persister
}

// New creates an empty store. Both s and p may be nil.
func New(s sink.Sink, p Persister) *Store {
	if s == nil {
		s = sink.Discard{}
	}
	return &Store{
		entries: make(map[string]*entry),
		sink:    s,
		persist: p,
	}
}

// CreateWorkflow validates specs and stores a new workflow in the Created
// state. Nothing is stored when validation fails.
func (s *Store) CreateWorkflow(name, description string, specs []workflow.TaskSpec) (workflow.View, error) {
	g, err := graph.Build(specs)
	if err != nil {
		return workflow.View{}, err
	}

	e := &entry{
		wf:    workflow.New(uuid.NewString(), name, description, specs, time.Now()),
		graph: g,
	}

	s.mu.Lock()
	s.entries[e.wf.ID] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	s.emit(e, sink.Event{Type: sink.EventWorkflowCreated})
	s.save(e)
	return e.wf.Snapshot(), nil
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// Graph returns the validated dependency graph of a workflow.
func (s *Store) Graph(id string) (*graph.Graph, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.graph, nil
}

// Start moves a Created workflow to Running. A workflow with no tasks goes
// straight to Completed.
func (s *Store) Start(id string) (workflow.View, error) {
	e, err := s.entry(id)
	if err != nil {
		return workflow.View{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wf.Started {
		return workflow.View{}, fmt.Errorf("workflow %s: %w", id, ErrAlreadyStarted)
	}
	now := time.Now()
	e.wf.Started = true
	e.wf.StartedAt = &now
	s.recompute(e, now)
	s.emit(e, sink.Event{Type: sink.EventWorkflowStatus})
	s.save(e)
	return e.wf.Snapshot(), nil
}

// ApplyTransition is the only way task state changes. It rejects transitions
// the task state machine forbids with an IllegalTransitionError and returns
// the recomputed workflow status.
func (s *Store) ApplyTransition(id, taskID string, to workflow.TaskStatus, p Payload) (workflow.Status, error) {
	e, err := s.entry(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.wf.Tasks[taskID]
	if !ok {
		return "", fmt.Errorf("workflow %s task %s: %w", id, taskID, ErrNotFound)
	}
	if !e.wf.Started || !workflow.CanTransition(t.Status, to) {
		return "", &IllegalTransitionError{WorkflowID: id, TaskID: taskID, From: t.Status, To: to}
	}

	now := time.Now()
	s.transition(e, t, to, p, now)
	prev := e.wf.Status
	s.recompute(e, now)
	if e.wf.Status != prev {
		s.emit(e, sink.Event{Type: sink.EventWorkflowStatus})
	}
	s.save(e)
	return e.wf.Status, nil
}

// Cancel marks the workflow cancelled and skips every task that has not
// finished, including running ones whose results will be discarded. It
// returns the ids of the skipped tasks.
func (s *Store) Cancel(id, reason string) ([]string, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wf.Status.Terminal() {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrFinished)
	}

	now := time.Now()
	if !e.wf.Started {
		e.wf.Started = true
		e.wf.StartedAt = &now
	}
	e.wf.Cancelled = true

	var skipped []string
	for _, taskID := range e.wf.Order {
		t := e.wf.Tasks[taskID]
		if t.Status.Terminal() {
			continue
		}
		s.transition(e, t, workflow.TaskSkipped, Payload{
			Error: &workflow.TaskError{Kind: workflow.ErrKindCancelled, Message: reason},
		}, now)
		skipped = append(skipped, taskID)
	}

	s.recompute(e, now)
	s.emit(e, sink.Event{Type: sink.EventWorkflowStatus})
	s.save(e)
	return skipped, nil
}

// UpstreamResults copies the results of taskID's dependencies. Every
// dependency must already have succeeded.
func (s *Store) UpstreamResults(id, taskID string) (map[string]json.RawMessage, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.wf.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("workflow %s task %s: %w", id, taskID, ErrNotFound)
	}

	out := make(map[string]json.RawMessage, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		d := e.wf.Tasks[dep]
		if d.Status != workflow.TaskSucceeded {
			return nil, fmt.Errorf("workflow %s task %s: dependency %s is %s", id, taskID, dep, d.Status)
		}
		out[dep] = workflow.CloneRaw(d.Result)
	}
	return out, nil
}

// GetStatus returns a snapshot of the workflow.
func (s *Store) GetStatus(id string) (workflow.View, error) {
	e, err := s.entry(id)
	if err != nil {
		return workflow.View{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wf.Snapshot(), nil
}

// List returns summaries of every workflow in memory, newest first.
func (s *Store) List() []workflow.Summary {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]workflow.Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.wf.Snapshot().Summary())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b workflow.Summary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// transition mutates t and publishes the task event. Callers hold e.mu and
// have already checked the state machine.
func (s *Store) transition(e *entry, t *workflow.Task, to workflow.TaskStatus, p Payload, now time.Time) {
	t.Status = to
	switch to {
	case workflow.TaskRunning:
		t.StartedAt = &now
	case workflow.TaskSucceeded:
		t.Result = workflow.CloneRaw(p.Result)
		t.FinishedAt = &now
	case workflow.TaskFailed, workflow.TaskSkipped:
		if p.Error != nil {
			te := *p.Error
			t.Error = &te
		}
		t.FinishedAt = &now
	}

	slog.Debug("task transition", "workflow", e.wf.ID, "task", t.ID, "status", to)
	s.emit(e, sink.Event{
		Type:       sink.EventTaskStatus,
		TaskID:     t.ID,
		AgentName:  t.AgentName,
		TaskStatus: to,
		Error:      t.Error,
	})
}

func (s *Store) recompute(e *entry, now time.Time) {
	if e.wf.Recompute().Terminal() && e.wf.CompletedAt == nil {
		e.wf.CompletedAt = &now
	}
}

func (s *Store) emit(e *entry, ev sink.Event) {
	e.seq++
	ev.Seq = e.seq
	ev.WorkflowID = e.wf.ID
	ev.WorkflowName = e.wf.Name
	ev.WorkflowStatus = e.wf.Status
	ev.Cancelled = e.wf.Cancelled
	ev.Timestamp = time.Now()
	if ev.Error != nil {
		te := *ev.Error
		ev.Error = &te
	}
	s.sink.Publish(ev)
}

func (s *Store) save(e *entry) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveWorkflow(e.wf.Snapshot()); err != nil {
		slog.Warn("persist workflow failed", "workflow", e.wf.ID, "error", err)
	}
}
