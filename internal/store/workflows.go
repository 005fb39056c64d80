package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

// SaveWorkflow upserts a workflow snapshot and all of its tasks in one
// transaction.
func (s *Store) SaveWorkflow(v workflow.View) error {
	order, err := json.Marshal(v.Order)
	if err != nil {
		return fmt.Errorf("marshal task order: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO workflows (id, name, description, status, cancelled, task_order, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cancelled = excluded.cancelled,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		v.ID, v.Name, v.Description, string(v.Status), boolToInt(v.Cancelled), string(order),
		v.CreatedAt.UTC(), utcPtr(v.StartedAt), utcPtr(v.CompletedAt))
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	for _, id := range v.Order {
		t := v.Tasks[id]
		deps, err := json.Marshal(t.Dependencies)
		if err != nil {
			return fmt.Errorf("marshal dependencies: %w", err)
		}
		var result, errKind, errMsg *string
		if t.Result != nil {
			r := string(t.Result)
			result = &r
		}
		if t.Error != nil {
			errKind, errMsg = &t.Error.Kind, &t.Error.Message
		}
		_, err = tx.Exec(`
			INSERT INTO workflow_tasks (workflow_id, task_id, name, agent, prompt, depends_on, status,
				result, error_kind, error_message, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(workflow_id, task_id) DO UPDATE SET
				status = excluded.status,
				result = excluded.result,
				error_kind = excluded.error_kind,
				error_message = excluded.error_message,
				started_at = excluded.started_at,
				finished_at = excluded.finished_at`,
			v.ID, t.ID, t.Name, t.AgentName, t.Prompt, string(deps), string(t.Status),
			result, errKind, errMsg, utcPtr(t.StartedAt), utcPtr(t.FinishedAt))
		if err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

const workflowColumns = `id, name, description, status, cancelled, task_order, created_at, started_at, completed_at`

func scanWorkflow(sc scanner) (*workflow.View, error) {
	v := &workflow.View{}
	var desc sql.NullString
	var status, order string
	var cancelled int
	err := sc.Scan(&v.ID, &v.Name, &desc, &status, &cancelled, &order, &v.CreatedAt, &v.StartedAt, &v.CompletedAt)
	if err != nil {
		return nil, err
	}
	v.Description = desc.String
	v.Status = workflow.Status(status)
	v.Cancelled = cancelled == 1
	if err := json.Unmarshal([]byte(order), &v.Order); err != nil {
		return nil, fmt.Errorf("decode task order: %w", err)
	}
	if v.StartedAt != nil && v.CompletedAt != nil {
		v.DurationMs = v.CompletedAt.Sub(*v.StartedAt).Milliseconds()
	}
	return v, nil
}

func scanWorkflowTask(sc scanner) (*workflow.TaskView, error) {
	t := &workflow.TaskView{}
	var deps, result, errKind, errMsg sql.NullString
	var status string
	err := sc.Scan(&t.ID, &t.Name, &t.AgentName, &t.Prompt, &deps, &status,
		&result, &errKind, &errMsg, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	t.Status = workflow.TaskStatus(status)
	if deps.Valid && deps.String != "" && deps.String != "null" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if errKind.Valid {
		t.Error = &workflow.TaskError{Kind: errKind.String, Message: errMsg.String}
	}
	if t.StartedAt != nil && t.FinishedAt != nil {
		t.DurationMs = t.FinishedAt.Sub(*t.StartedAt).Milliseconds()
	}
	return t, nil
}

// GetWorkflow loads a persisted workflow with its tasks. It returns nil, nil
// when the id is unknown.
func (s *Store) GetWorkflow(id string) (*workflow.View, error) {
	row := s.db.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	v, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT task_id, name, agent, prompt, depends_on, status, result, error_kind, error_message,
		       started_at, finished_at
		FROM workflow_tasks WHERE workflow_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow tasks: %w", err)
	}
	defer rows.Close()

	v.Tasks = make(map[string]workflow.TaskView)
	for rows.Next() {
		t, err := scanWorkflowTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow task: %w", err)
		}
		v.Tasks[t.ID] = *t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	v.Counts = workflow.CountTasks(v.Tasks)
	return v, nil
}

// ListWorkflows returns summaries of persisted workflows, newest first. A
// limit of zero returns all of them.
func (s *Store) ListWorkflows(limit int) ([]workflow.Summary, error) {
	query := `
		SELECT w.id, w.name, w.description, w.status, w.created_at, w.completed_at,
		       (SELECT COUNT(*) FROM workflow_tasks t WHERE t.workflow_id = w.id)
		FROM workflows w ORDER BY w.created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []workflow.Summary
	for rows.Next() {
		var sm workflow.Summary
		var desc sql.NullString
		var status string
		if err := rows.Scan(&sm.ID, &sm.Name, &desc, &status, &sm.CreatedAt, &sm.CompletedAt, &sm.TaskCount); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		sm.Description = desc.String
		sm.Status = workflow.Status(status)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkflow(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM workflow_tasks WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("delete workflow tasks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return tx.Commit()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
