package state

import (
	"errors"
	"fmt"

	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrAlreadyStarted    = errors.New("workflow already started")
	ErrFinished          = errors.New("workflow already finished")
)

// IllegalTransitionError reports a transition the task state machine forbids.
// It means the caller has a bug; it is never a task failure.
type IllegalTransitionError struct {
	WorkflowID string
	TaskID     string
	From       workflow.TaskStatus
	To         workflow.TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("workflow %s task %s: illegal transition %s -> %s", e.WorkflowID, e.TaskID, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }
