package workflow

import (
	"encoding/json"
	"time"
)

// TaskSpec is the declarative input for a single task.
type TaskSpec struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	AgentName    string   `json:"agent" yaml:"agent"`
	Prompt       string   `json:"prompt" yaml:"prompt"`
	Dependencies []string `json:"depends_on,omitempty" yaml:"depends_on"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

type Status string

const (
	StatusCreated         Status = "created"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusPartiallyFailed Status = "partially_failed"
)

// Terminal reports whether a workflow in this status is read-only.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartiallyFailed
}

// Error kinds recorded on failed or skipped tasks.
const (
	ErrKindAgent          = "agent_error"
	ErrKindTimeout        = "timeout"
	ErrKindAgentNotFound  = "agent_not_found"
	ErrKindPanic          = "panic"
	ErrKindCancelled      = "cancelled"
	ErrKindUpstreamFailed = "upstream_failed"
)

// TaskError is the structured failure info stored on a task.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	return e.Kind + ": " + e.Message
}

// Task is the mutable runtime record of a TaskSpec inside a workflow.
type Task struct {
	ID           string
	Name         string
	AgentName    string
	Prompt       string
	Dependencies []string
	Status       TaskStatus
	Result       json.RawMessage
	Error        *TaskError
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Workflow owns its tasks; order keeps the declaration order of the input.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Tasks       map[string]*Task
	Order       []string
	Status      Status
	Started     bool
	Cancelled   bool
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// New builds a workflow in the Created state from already validated specs.
func New(id, name, description string, specs []TaskSpec, now time.Time) *Workflow {
	wf := &Workflow{
		ID:          id,
		Name:        name,
		Description: description,
		Tasks:       make(map[string]*Task, len(specs)),
		Order:       make([]string, 0, len(specs)),
		Status:      StatusCreated,
		CreatedAt:   now,
	}
	for _, s := range specs {
		wf.Tasks[s.ID] = &Task{
			ID:           s.ID,
			Name:         s.Name,
			AgentName:    s.AgentName,
			Prompt:       s.Prompt,
			Dependencies: dedupe(s.Dependencies),
			Status:       TaskPending,
		}
		wf.Order = append(wf.Order, s.ID)
	}
	return wf
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// TaskView is the read-only snapshot of a task.
type TaskView struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	AgentName    string          `json:"agent"`
	Prompt       string          `json:"prompt"`
	Dependencies []string        `json:"depends_on,omitempty"`
	Status       TaskStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *TaskError      `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
}

// View is a deep copy of a workflow, safe to hold and poll.
type View struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Status      Status              `json:"status"`
	Cancelled   bool                `json:"cancelled,omitempty"`
	Tasks       map[string]TaskView `json:"tasks"`
	Order       []string            `json:"order"`
	Counts      Counts              `json:"counts"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	DurationMs  int64               `json:"duration_ms,omitempty"`
}

type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summary is the listing form of a workflow.
type Summary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	TaskCount   int        `json:"task_count"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Snapshot deep-copies the workflow into a View.
func (wf *Workflow) Snapshot() View {
	v := View{
		ID:          wf.ID,
		Name:        wf.Name,
		Description: wf.Description,
		Status:      wf.Status,
		Cancelled:   wf.Cancelled,
		Tasks:       make(map[string]TaskView, len(wf.Tasks)),
		Order:       append([]string(nil), wf.Order...),
		CreatedAt:   wf.CreatedAt,
		StartedAt:   copyTime(wf.StartedAt),
		CompletedAt: copyTime(wf.CompletedAt),
	}
	if wf.StartedAt != nil && wf.CompletedAt != nil {
		v.DurationMs = wf.CompletedAt.Sub(*wf.StartedAt).Milliseconds()
	}
	for id, t := range wf.Tasks {
		v.Tasks[id] = t.View()
	}
	v.Counts = CountTasks(v.Tasks)
	return v
}

// View deep-copies a single task.
func (t *Task) View() TaskView {
	tv := TaskView{
		ID:           t.ID,
		Name:         t.Name,
		AgentName:    t.AgentName,
		Prompt:       t.Prompt,
		Dependencies: append([]string(nil), t.Dependencies...),
		Status:       t.Status,
		Result:       CloneRaw(t.Result),
		StartedAt:    copyTime(t.StartedAt),
		FinishedAt:   copyTime(t.FinishedAt),
	}
	if t.Error != nil {
		e := *t.Error
		tv.Error = &e
	}
	if t.StartedAt != nil && t.FinishedAt != nil {
		tv.DurationMs = t.FinishedAt.Sub(*t.StartedAt).Milliseconds()
	}
	return tv
}

// Summary returns the listing form of a view.
func (v View) Summary() Summary {
	return Summary{
		ID:          v.ID,
		Name:        v.Name,
		Description: v.Description,
		Status:      v.Status,
		TaskCount:   len(v.Tasks),
		CreatedAt:   v.CreatedAt,
		CompletedAt: copyTime(v.CompletedAt),
	}
}

func CountTasks(tasks map[string]TaskView) Counts {
	c := Counts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskSucceeded:
			c.Succeeded++
		case TaskFailed:
			c.Failed++
		case TaskSkipped:
			c.Skipped++
		}
	}
	return c
}

// CloneRaw copies a raw JSON payload so callers never share backing arrays.
func CloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
