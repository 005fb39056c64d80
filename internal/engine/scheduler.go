package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/graph"
	"github.com/mtzanidakis/flowmesh/internal/metrics"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
	"golang.org/x/sync/semaphore"
)

// scheduler drives one workflow at a time from Created to a terminal state.
// All task transitions after Running are applied by the run loop goroutine;
// workers only move their own task from Ready to Running and call the agent.
type scheduler struct {
	store          *state.Store
	agents         *registry.Registry
	metrics        *metrics.Metrics
	maxConcurrency int64
	taskTimeout    time.Duration
}

type completion struct {
	taskID string
	agent  string
	result json.RawMessage
	err    error
	took   time.Duration
	// internal marks a store error rather than an agent outcome.
	internal bool
}

// run executes the workflow until no task is left non-terminal or ctx is
// done. On cancellation every unfinished task is skipped and run returns
// without waiting for outstanding agent calls; their results are dropped.
// A non-nil error means the store rejected a transition the scheduler
// believed legal.
func (s *scheduler) run(ctx context.Context, id string) error {
	g, err := s.store.Graph(id)
	if err != nil {
		return err
	}
	view, err := s.store.Start(id)
	if err != nil {
		return err
	}
	if view.Status.Terminal() {
		return nil
	}
	slog.Info("workflow started", "workflow", id, "tasks", g.Len(), "layers", len(g.Layers()))

	r := &runState{
		scheduler: s,
		ctx:       ctx,
		id:        id,
		graph:     g,
		tasks:     view.Tasks,
		status:    make(map[string]workflow.TaskStatus, g.Len()),
		remaining: g.Len(),
		sem:       semaphore.NewWeighted(s.maxConcurrency),
		// Every task reports at most once, so workers never block on send.
		done: make(chan completion, g.Len()),
	}
	for _, taskID := range g.IDs() {
		r.status[taskID] = workflow.TaskPending
	}

	if err := r.markReady(g.Roots()); err != nil {
		return r.fail(err)
	}

	for r.remaining > 0 {
		select {
		case <-ctx.Done():
			return r.abort()
		case c := <-r.done:
			if ctx.Err() != nil {
				return r.abort()
			}
			if err := r.complete(c); err != nil {
				return r.fail(err)
			}
		}
	}
	return nil
}

type runState struct {
	*scheduler
	ctx       context.Context
	id        string
	graph     *graph.Graph
	tasks     map[string]workflow.TaskView
	status    map[string]workflow.TaskStatus
	remaining int
	sem       *semaphore.Weighted
	done      chan completion
}

// markReady moves ids to Ready in id order and dispatches each.
func (r *runState) markReady(ids []string) error {
	for _, taskID := range ids {
		if _, err := r.store.ApplyTransition(r.id, taskID, workflow.TaskReady, state.Payload{}); err != nil {
			return err
		}
		r.status[taskID] = workflow.TaskReady
		r.dispatch(taskID)
	}
	return nil
}

func (r *runState) dispatch(taskID string) {
	t := r.tasks[taskID]
	go func() {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.done <- completion{taskID: taskID, agent: t.AgentName, err: err}
			return
		}
		defer r.sem.Release(1)
		r.done <- r.execute(t)
	}()
}

func (r *runState) execute(t workflow.TaskView) completion {
	c := completion{taskID: t.ID, agent: t.AgentName}
	if err := r.ctx.Err(); err != nil {
		c.err = err
		return c
	}

	if _, err := r.store.ApplyTransition(r.id, t.ID, workflow.TaskRunning, state.Payload{}); err != nil {
		c.err, c.internal = err, true
		return c
	}
	r.metrics.TaskStarted()
	start := time.Now()

	agent, err := r.agents.Resolve(t.AgentName)
	if err == nil {
		var upstream map[string]json.RawMessage
		upstream, err = r.store.UpstreamResults(r.id, t.ID)
		if err != nil {
			c.internal = true
		} else {
			slog.Debug("dispatching task", "workflow", r.id, "task", t.ID, "agent", t.AgentName)
			c.result, err = r.invoke(r.ctx, t.AgentName, agent, t.Prompt, upstream)
		}
	}
	c.err = err
	c.took = time.Since(start)

	switch {
	case r.ctx.Err() != nil:
		r.metrics.TaskAbandoned(t.AgentName, c.took)
	case err != nil:
		r.metrics.TaskFinished(t.AgentName, string(workflow.TaskFailed), c.took)
	default:
		r.metrics.TaskFinished(t.AgentName, string(workflow.TaskSucceeded), c.took)
	}
	return c
}

// invoke calls the agent, enforcing the task timeout and turning panics into
// errors. It returns as soon as ctx is done even if the agent ignores it.
func (s *scheduler) invoke(ctx context.Context, name string, a registry.Agent, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error) {
	callCtx := ctx
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeoutCause(ctx, s.taskTimeout, &TimeoutError{After: s.taskTimeout})
		defer cancel()
	}

	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: &panicError{value: p}}
			}
		}()
		res, err := a.Invoke(callCtx, prompt, upstream)
		ch <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-callCtx.Done():
		o.err = context.Cause(callCtx)
	}

	if o.err != nil {
		// An agent that returns ctx.Err() after the timeout fired should still
		// be reported as a timeout.
		var timeout *TimeoutError
		if cause := context.Cause(callCtx); errors.As(cause, &timeout) {
			o.err = cause
		}
		return nil, &AgentError{Agent: name, Reason: o.err.Error(), Err: o.err}
	}
	return normalizeResult(o.result), nil
}

// normalizeResult keeps task results valid JSON: empty becomes null and
// anything else that isn't JSON is stored as a string.
func normalizeResult(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(raw) {
		return workflow.CloneRaw(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func (r *runState) complete(c completion) error {
	if c.internal {
		return c.err
	}

	if c.err == nil {
		if err := r.apply(c.taskID, workflow.TaskSucceeded, state.Payload{Result: c.result}); err != nil {
			return err
		}
		slog.Debug("task succeeded", "workflow", r.id, "task", c.taskID, "took", c.took)
		return r.markReady(r.newlyReady(c.taskID))
	}

	te := taskError(c.err)
	if err := r.apply(c.taskID, workflow.TaskFailed, state.Payload{Error: te}); err != nil {
		return err
	}
	slog.Info("task failed", "workflow", r.id, "task", c.taskID, "kind", te.Kind, "error", te.Message)

	skip := &workflow.TaskError{
		Kind:    workflow.ErrKindUpstreamFailed,
		Message: fmt.Sprintf("dependency %s failed", c.taskID),
	}
	for _, d := range r.graph.Descendants(c.taskID) {
		if r.status[d] != workflow.TaskPending {
			continue
		}
		if err := r.apply(d, workflow.TaskSkipped, state.Payload{Error: skip}); err != nil {
			return err
		}
		r.metrics.TaskSkipped(r.tasks[d].AgentName)
	}
	return nil
}

// newlyReady returns the pending successors of taskID whose dependencies
// have all succeeded.
func (r *runState) newlyReady(taskID string) []string {
	var ready []string
	for _, next := range r.graph.Successors(taskID) {
		if r.status[next] != workflow.TaskPending {
			continue
		}
		ok := true
		for _, dep := range r.graph.Predecessors(next) {
			if r.status[dep] != workflow.TaskSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, next)
		}
	}
	return ready
}

func (r *runState) apply(taskID string, to workflow.TaskStatus, p state.Payload) error {
	if _, err := r.store.ApplyTransition(r.id, taskID, to, p); err != nil {
		return err
	}
	r.status[taskID] = to
	if to.Terminal() {
		r.remaining--
	}
	return nil
}

func (r *runState) abort() error {
	reason := ErrCancelled.Error()
	if cause := context.Cause(r.ctx); cause != nil {
		reason = cause.Error()
	}
	skipped, err := r.store.Cancel(r.id, reason)
	if err != nil && !errors.Is(err, state.ErrFinished) {
		return err
	}
	r.countSkipped(skipped)
	slog.Info("workflow aborted", "workflow", r.id, "reason", reason, "skipped", len(skipped))
	return nil
}

func (r *runState) countSkipped(ids []string) {
	for _, taskID := range ids {
		r.metrics.TaskSkipped(r.tasks[taskID].AgentName)
	}
}

func (r *runState) cancelled() bool {
	v, err := r.store.GetStatus(r.id)
	return err == nil && v.Cancelled
}

// fail handles a store error. Transitions rejected because the workflow was
// cancelled concurrently are an abort; anything else is a defect and is
// surfaced after the workflow is stopped.
func (r *runState) fail(err error) error {
	if errors.Is(err, state.ErrIllegalTransition) && (r.ctx.Err() != nil || r.cancelled()) {
		return r.abort()
	}
	slog.Error("scheduler invariant violated", "workflow", r.id, "error", err)
	skipped, cerr := r.store.Cancel(r.id, "internal error: "+err.Error())
	if cerr != nil && !errors.Is(cerr, state.ErrFinished) {
		slog.Error("stop workflow failed", "workflow", r.id, "error", cerr)
	}
	r.countSkipped(skipped)
	return fmt.Errorf("run workflow %s: %w", r.id, err)
}
