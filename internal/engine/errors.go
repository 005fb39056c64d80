package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

var (
	// ErrAlreadyFinished is returned when cancelling a terminal workflow.
	ErrAlreadyFinished = state.ErrFinished
	// ErrCancelled is the cancellation cause of a workflow stopped by Cancel.
	ErrCancelled = errors.New("workflow cancelled")
	ErrShutdown  = errors.New("engine shutting down")
)

// AgentError is a task-level failure. It is recorded on the task and never
// returned from the orchestrator.
type AgentError struct {
	Agent  string
	Reason string
	Err    error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Reason)
}

func (e *AgentError) Unwrap() error { return e.Err }

// TimeoutError means an agent call exceeded the configured task timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.After)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("agent panicked: %v", e.value)
}

// taskError classifies a dispatch failure into the error stored on the task.
func taskError(err error) *workflow.TaskError {
	var (
		timeout  *TimeoutError
		notFound *registry.AgentNotFoundError
		panicked *panicError
	)
	kind := workflow.ErrKindAgent
	switch {
	case errors.As(err, &timeout):
		kind = workflow.ErrKindTimeout
	case errors.As(err, &notFound):
		kind = workflow.ErrKindAgentNotFound
	case errors.As(err, &panicked):
		kind = workflow.ErrKindPanic
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		kind = workflow.ErrKindCancelled
	}

	msg := err.Error()
	var ae *AgentError
	if errors.As(err, &ae) {
		msg = ae.Reason
	}
	return &workflow.TaskError{Kind: kind, Message: msg}
}
