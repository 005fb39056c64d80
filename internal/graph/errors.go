package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGraph is matched by every graph validation failure.
var ErrInvalidGraph = errors.New("invalid task graph")

type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate task id %q", e.ID)
}

func (e *DuplicateIDError) Unwrap() error { return ErrInvalidGraph }

type UnknownDependencyError struct {
	TaskID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.DependsOn)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrInvalidGraph }

// CycleError names one offending cycle; the first and last ids are equal.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrInvalidGraph }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGraph, fmt.Sprintf(format, args...))
}
