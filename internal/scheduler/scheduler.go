package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/schedule"
	"github.com/mtzanidakis/flowmesh/internal/sink"
	"github.com/mtzanidakis/flowmesh/internal/store"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

// Last-run statuses recorded on a schedule. Once the submitted workflow
// finishes the workflow status replaces them.
const (
	RunSubmitted = "submitted"
	RunError     = "error"
)

// ScheduleStore is the persistence the scheduler needs.
type ScheduleStore interface {
	SaveSchedule(sw *store.ScheduledWorkflow) error
	DueSchedules(now time.Time) ([]store.ScheduledWorkflow, error)
	RecordScheduleRun(id, workflowID, lastStatus, lastError string, nextRunAt *time.Time) error
	RecordWorkflowOutcome(workflowID, status string) error
	UpdateScheduleStatus(id, status string) error
}

// Submitter starts a workflow in the background and reports its progress.
type Submitter interface {
	Submit(name, description string, specs []workflow.TaskSpec) (workflow.View, error)
	GetWorkflowStatus(id string) (workflow.View, error)
}

// Scheduler submits stored workflow definitions when their schedule is due.
type Scheduler struct {
	store        ScheduleStore
	submit       Submitter
	client       *natsbus.Client
	pollInterval time.Duration
	now          func() time.Time
}

// New creates a scheduler. client may be nil, in which case run events are
// not published.
func New(s ScheduleStore, submit Submitter, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:        s,
		submit:       submit,
		client:       client,
		pollInterval: interval,
		now:          time.Now,
	}
}

// Add validates a definition and schedule and stores them. raw accepts
// everything schedule.NormalizeSchedule does.
func (s *Scheduler) Add(name, raw string, def *workflow.Definition) (*store.ScheduledWorkflow, error) {
	sched, err := schedule.NormalizeSchedule(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	if def == nil || len(def.Tasks) == 0 {
		return nil, errors.New("definition has no tasks")
	}
	if name == "" {
		name = def.Name
	}
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}

	sw := &store.ScheduledWorkflow{
		ID:         uuid.NewString(),
		Name:       name,
		Schedule:   sched,
		Definition: data,
		NextRunAt:  schedule.FirstRun(sched, s.now()),
	}
	if err := s.store.SaveSchedule(sw); err != nil {
		return nil, err
	}
	slog.Info("schedule added", "id", sw.ID, "name", name, "schedule", schedule.FormatSchedule(sched))
	return sw, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Poll submits every schedule that is due now.
func (s *Scheduler) Poll() {
	due, err := s.store.DueSchedules(s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}
	for _, sw := range due {
		s.execute(sw)
	}
}

func (s *Scheduler) execute(sw store.ScheduledWorkflow) {
	slog.Info("executing scheduled workflow", "id", sw.ID, "name", sw.Name)

	var workflowID, lastStatus, lastError string
	v, err := s.submitDefinition(sw)
	if err != nil {
		lastStatus, lastError = RunError, err.Error()
		slog.Error("scheduled workflow failed to start", "id", sw.ID, "error", err)
	} else {
		workflowID, lastStatus = v.ID, RunSubmitted
	}

	nextRun := schedule.NextRun(sw.Schedule, s.now())
	if err := s.store.RecordScheduleRun(sw.ID, workflowID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to record schedule run", "id", sw.ID, "error", err)
	} else if workflowID != "" {
		s.recordIfFinished(workflowID)
	}

	s.publishRun(sw, workflowID, lastStatus)

	if nextRun == nil {
		slog.Info("no next run, marking schedule completed", "id", sw.ID, "name", sw.Name)
		if err := s.store.UpdateScheduleStatus(sw.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", sw.ID, "error", err)
		}
	}
}

func (s *Scheduler) submitDefinition(sw store.ScheduledWorkflow) (workflow.View, error) {
	def, err := workflow.ParseDefinition(sw.Definition)
	if err != nil {
		return workflow.View{}, err
	}
	return s.submit.Submit(def.Name, def.Description, def.Tasks)
}

// recordIfFinished covers workflows whose terminal event was handled before
// the run was recorded, when no schedule row matched their id yet.
func (s *Scheduler) recordIfFinished(workflowID string) {
	v, err := s.submit.GetWorkflowStatus(workflowID)
	if err != nil {
		slog.Warn("failed to check scheduled workflow", "workflow", workflowID, "error", err)
		return
	}
	if !v.Status.Terminal() {
		return
	}
	if err := s.store.RecordWorkflowOutcome(workflowID, outcome(v.Status, v.Cancelled)); err != nil {
		slog.Warn("failed to record workflow outcome", "workflow", workflowID, "error", err)
	}
}

func outcome(status workflow.Status, cancelled bool) string {
	if cancelled {
		return "cancelled"
	}
	return string(status)
}

// HandleEvent records the final status of workflows started by a schedule.
// It is meant to be subscribed to the event dispatcher.
func (s *Scheduler) HandleEvent(ev sink.Event) {
	if ev.Type != sink.EventWorkflowStatus || !ev.Terminal() {
		return
	}
	if err := s.store.RecordWorkflowOutcome(ev.WorkflowID, outcome(ev.WorkflowStatus, ev.Cancelled)); err != nil {
		slog.Warn("failed to record workflow outcome", "workflow", ev.WorkflowID, "error", err)
	}
}

func (s *Scheduler) publishRun(sw store.ScheduledWorkflow, workflowID, status string) {
	if s.client == nil {
		return
	}
	event := map[string]any{
		"type":      "schedule_run",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":          sw.ID,
			"name":        sw.Name,
			"status":      status,
			"workflow_id": workflowID,
		},
	}
	if err := s.client.PublishJSON(natsbus.TopicEventsScheduleRun, event); err != nil {
		slog.Warn("failed to publish schedule run", "id", sw.ID, "error", err)
	}
}
