package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/metrics"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

// History serves workflows that are no longer held in memory, typically
// runs from a previous process.
type History interface {
	GetWorkflow(id string) (*workflow.View, error)
	ListWorkflows(limit int) ([]workflow.Summary, error)
}

type Options struct {
	MaxConcurrency int
	TaskTimeout    time.Duration
	History        History
	Metrics        *metrics.Metrics
	// HistoryLimit caps how many persisted workflows ListWorkflows merges in.
	HistoryLimit int
}

// Orchestrator is the entry point for running workflows. It is safe for
// concurrent use.
type Orchestrator struct {
	store   *state.Store
	agents  *registry.Registry
	sched   *scheduler
	history History
	metrics *metrics.Metrics
	histCap int

	mu       sync.Mutex
	running  map[string]context.CancelCauseFunc
	closed   bool
	wg       sync.WaitGroup
	shutdown context.CancelCauseFunc
	baseCtx  context.Context
}

func New(st *state.Store, agents *registry.Registry, opts Options) *Orchestrator {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 4
	}
	if opts.HistoryLimit < 1 {
		opts.HistoryLimit = 200
	}
	base, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:   st,
		agents:  agents,
		history: opts.History,
		metrics: opts.Metrics,
		histCap: opts.HistoryLimit,
		sched: &scheduler{
			store:          st,
			agents:         agents,
			metrics:        opts.Metrics,
			maxConcurrency: int64(opts.MaxConcurrency),
			taskTimeout:    opts.TaskTimeout,
		},
		running:  make(map[string]context.CancelCauseFunc),
		baseCtx:  base,
		shutdown: cancel,
	}
}

// RunWorkflow validates and executes a workflow, blocking until it reaches a
// terminal state or ctx is done. Task failures are reported in the returned
// view, not as an error. An error means the input was invalid or the engine
// itself failed.
func (o *Orchestrator) RunWorkflow(ctx context.Context, name, description string, specs []workflow.TaskSpec) (workflow.View, error) {
	v, err := o.create(name, description, specs)
	if err != nil {
		return workflow.View{}, err
	}
	runCtx, done := o.track(ctx, v.ID)
	defer done()
	if err := o.execute(runCtx, v.ID); err != nil {
		return workflow.View{}, err
	}
	return o.store.GetStatus(v.ID)
}

// Submit validates and starts a workflow in the background and returns its
// initial snapshot. Progress is observed via GetWorkflowStatus or the sink.
func (o *Orchestrator) Submit(name, description string, specs []workflow.TaskSpec) (workflow.View, error) {
	v, err := o.create(name, description, specs)
	if err != nil {
		return workflow.View{}, err
	}
	runCtx, done := o.track(context.Background(), v.ID)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer done()
		if err := o.execute(runCtx, v.ID); err != nil {
			slog.Error("workflow run failed", "workflow", v.ID, "error", err)
		}
	}()
	return v, nil
}

// track derives the run context of a workflow and makes it cancellable by
// Cancel and Shutdown until done is called.
func (o *Orchestrator) track(parent context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(o.baseCtx, func() { cancel(context.Cause(o.baseCtx)) })

	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()

	return ctx, func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		stop()
		cancel(nil)
	}
}

func (o *Orchestrator) create(name, description string, specs []workflow.TaskSpec) (workflow.View, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return workflow.View{}, ErrShutdown
	}

	v, err := o.store.CreateWorkflow(name, description, specs)
	if err != nil {
		return workflow.View{}, fmt.Errorf("create workflow %q: %w", name, err)
	}
	slog.Info("workflow created", "workflow", v.ID, "name", name, "tasks", len(specs))
	return v, nil
}

func (o *Orchestrator) execute(ctx context.Context, id string) error {
	start := time.Now()
	err := o.sched.run(ctx, id)

	v, serr := o.store.GetStatus(id)
	if serr != nil {
		return errors.Join(err, serr)
	}
	if errors.Is(err, state.ErrAlreadyStarted) && v.Cancelled {
		// Cancelled between creation and start.
		err = nil
	}
	o.metrics.WorkflowFinished(string(v.Status))
	slog.Info("workflow finished",
		"workflow", id,
		"status", v.Status,
		"cancelled", v.Cancelled,
		"succeeded", v.Counts.Succeeded,
		"failed", v.Counts.Failed,
		"skipped", v.Counts.Skipped,
		"took", time.Since(start),
	)
	return err
}

// GetWorkflowStatus returns a snapshot of the workflow. Workflows not held
// in memory are looked up in history when one is configured.
func (o *Orchestrator) GetWorkflowStatus(id string) (workflow.View, error) {
	v, err := o.store.GetStatus(id)
	if err == nil || !errors.Is(err, state.ErrNotFound) || o.history == nil {
		return v, err
	}

	hv, herr := o.history.GetWorkflow(id)
	if herr != nil {
		return workflow.View{}, fmt.Errorf("load workflow %s: %w", id, herr)
	}
	if hv == nil {
		return workflow.View{}, err
	}
	return *hv, nil
}

// ListWorkflows returns every known workflow, newest first. In-memory state
// wins over history for workflows present in both.
func (o *Orchestrator) ListWorkflows() ([]workflow.Summary, error) {
	out := o.store.List()
	if o.history == nil {
		return out, nil
	}

	persisted, err := o.history.ListWorkflows(o.histCap)
	if err != nil {
		return out, fmt.Errorf("list workflow history: %w", err)
	}
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s.ID] = true
	}
	for _, s := range persisted {
		if !seen[s.ID] {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b workflow.Summary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Cancel stops a workflow. Unfinished tasks are skipped and running agents
// have their context cancelled; their results are discarded. Cancelling a
// finished workflow returns ErrAlreadyFinished.
func (o *Orchestrator) Cancel(id string) error {
	v, err := o.store.GetStatus(id)
	if err != nil {
		return err
	}
	if v.Status.Terminal() {
		return fmt.Errorf("workflow %s: %w", id, ErrAlreadyFinished)
	}

	o.mu.Lock()
	cancel := o.running[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}

	skipped, err := o.store.Cancel(id, ErrCancelled.Error())
	if err != nil {
		// The run loop may have recorded the cancellation first.
		if errors.Is(err, state.ErrFinished) && cancel != nil {
			if v, gerr := o.store.GetStatus(id); gerr == nil && v.Cancelled {
				return nil
			}
		}
		return err
	}
	for _, taskID := range skipped {
		o.metrics.TaskSkipped(v.Tasks[taskID].AgentName)
	}
	slog.Info("workflow cancelled", "workflow", id, "skipped", len(skipped))
	return nil
}

// Agents describes the registered agents.
func (o *Orchestrator) Agents() []registry.Descriptor {
	return o.agents.Descriptors()
}

// Shutdown rejects new workflows, cancels running ones and waits for
// background runs to return or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.shutdown(ErrShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
