package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ScheduledWorkflow is a stored workflow definition submitted on a schedule.
type ScheduledWorkflow struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Schedule       string          `json:"schedule"`
	Definition     json.RawMessage `json:"definition"`
	Status         string          `json:"status"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	LastStatus     string          `json:"last_status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastWorkflowID string          `json:"last_workflow_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

const scheduleColumns = `id, name, schedule, definition, status, next_run_at, last_run_at,
	last_status, last_error, last_workflow_id, created_at`

func scanSchedule(sc scanner) (*ScheduledWorkflow, error) {
	sw := &ScheduledWorkflow{}
	var def string
	var lastStatus, lastError, lastWorkflow sql.NullString
	err := sc.Scan(&sw.ID, &sw.Name, &sw.Schedule, &def, &sw.Status, &sw.NextRunAt, &sw.LastRunAt,
		&lastStatus, &lastError, &lastWorkflow, &sw.CreatedAt)
	if err != nil {
		return nil, err
	}
	sw.Definition = json.RawMessage(def)
	sw.LastStatus = lastStatus.String
	sw.LastError = lastError.String
	sw.LastWorkflowID = lastWorkflow.String
	return sw, nil
}

func (s *Store) SaveSchedule(sw *ScheduledWorkflow) error {
	if sw.Status == "" {
		sw.Status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_workflows (id, name, schedule, definition, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			definition = excluded.definition,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sw.ID, sw.Name, sw.Schedule, string(sw.Definition), sw.Status, utcPtr(sw.NextRunAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*ScheduledWorkflow, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM scheduled_workflows WHERE id = ?`, id)
	sw, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sw, nil
}

func (s *Store) ListSchedules() ([]ScheduledWorkflow, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM scheduled_workflows ORDER BY created_at`)
}

// DueSchedules returns active schedules whose next run is at or before now.
func (s *Store) DueSchedules(now time.Time) ([]ScheduledWorkflow, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+` FROM scheduled_workflows
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) querySchedules(query string, args ...any) ([]ScheduledWorkflow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduledWorkflow
	for rows.Next() {
		sw, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sw)
	}
	return out, rows.Err()
}

// RecordScheduleRun stores the outcome of a scheduled submission and the next
// time it is due. A nil nextRunAt leaves the schedule without a next run.
func (s *Store) RecordScheduleRun(id, workflowID, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_workflows
		SET last_run_at = ?, last_status = ?, last_error = ?, last_workflow_id = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastStatus, lastError, workflowID, utcPtr(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	return nil
}

// RecordWorkflowOutcome updates the last status of whichever schedule last
// submitted workflowID. It is a no-op for unscheduled workflows.
func (s *Store) RecordWorkflowOutcome(workflowID, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_workflows SET last_status = ? WHERE last_workflow_id = ?`,
		status, workflowID)
	if err != nil {
		return fmt.Errorf("record workflow outcome: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_workflows SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
