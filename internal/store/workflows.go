package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkflowStep is one ordered unit of work in a workflow.
type WorkflowStep struct {
	StepNumber int            `json:"step_number"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type"`
	Config     map[string]any `json:"config,omitempty"`
}

// RetryConfig selects the retry strategy applied to every step.
type RetryConfig struct {
	Strategy          string  `json:"strategy,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// Workflow is a named, ordered list of steps.
type Workflow struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	Status            string         `json:"status"`
	TriggerConditions map[string]any `json:"trigger_conditions"`
	Steps             []WorkflowStep `json:"steps"`
	RetryConfig       RetryConfig    `json:"retry_config"`
	CreatedBy         string         `json:"created_by"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ExecutionLogEntry records one step attempt.
type ExecutionLogEntry struct {
	StepNumber int       `json:"step_number"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID          string              `json:"id"`
	WorkflowID  string              `json:"workflow_id"`
	Status      string              `json:"status"`
	Trigger     string              `json:"trigger"`
	Progress    int                 `json:"progress"`
	CurrentStep int                 `json:"current_step"`
	Context     map[string]any      `json:"context"`
	Log         []ExecutionLogEntry `json:"log"`
	Error       string              `json:"error,omitempty"`
	StartedBy   string              `json:"started_by,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Status    string
	CreatedBy string
	Search    string // matches name or description
	Limit     int
	Offset    int
}

// SaveWorkflow inserts or fully replaces a workflow.
func (s *Store) SaveWorkflow(ctx context.Context, w Workflow) error {
	trigger, err := marshalJSON(w.TriggerConditions, "{}")
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	steps, err := marshalJSON(w.Steps, "[]")
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	retry, err := marshalJSON(w.RetryConfig, "{}")
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows
		(id, name, description, status, trigger_conditions, steps, retry_config, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			trigger_conditions = excluded.trigger_conditions,
			steps = excluded.steps,
			retry_config = excluded.retry_config,
			updated_at = excluded.updated_at
	`, w.ID, w.Name, w.Description, w.Status, trigger, steps, retry, w.CreatedBy,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

const workflowColumns = `id, name, description, status, trigger_conditions, steps, retry_config, created_by, created_at, updated_at`

// GetWorkflow returns a workflow by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// ListWorkflows returns workflows matching f and the total count.
func (s *Store) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]Workflow, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if f.Search != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		p := "%" + f.Search + "%"
		args = append(args, p, p)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows`+whereSQL+`
		ORDER BY id ASC COLLATE BINARY LIMIT ? OFFSET ?`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, rows.Err()
}

// DeleteWorkflow removes a workflow and its executions.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.execOne(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

func scanWorkflow(sc rowScanner) (Workflow, error) {
	var w Workflow
	var trigger, steps, retry, created, updated string
	err := sc.Scan(&w.ID, &w.Name, &w.Description, &w.Status, &trigger, &steps, &retry,
		&w.CreatedBy, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	if err := unmarshalJSON(trigger, &w.TriggerConditions); err != nil {
		return Workflow{}, err
	}
	if err := unmarshalJSON(steps, &w.Steps); err != nil {
		return Workflow{}, err
	}
	if err := unmarshalJSON(retry, &w.RetryConfig); err != nil {
		return Workflow{}, err
	}
	if w.CreatedAt, err = parseTime(created); err != nil {
		return Workflow{}, err
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return Workflow{}, err
	}
	return w, nil
}

// SaveExecution inserts or fully replaces an execution.
func (s *Store) SaveExecution(ctx context.Context, e WorkflowExecution) error {
	execCtx, err := marshalJSON(e.Context, "{}")
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	log, err := marshalJSON(e.Log, "[]")
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
		(id, workflow_id, status, trigger_type, progress, current_step, context, log, error, started_by, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			current_step = excluded.current_step,
			context = excluded.context,
			log = excluded.log,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, e.ID, e.WorkflowID, e.Status, e.Trigger, e.Progress, e.CurrentStep, execCtx, log, e.Error,
		e.StartedBy, formatTime(e.StartedAt), formatNullTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, trigger_type, progress, current_step, context, log, error, started_by, started_at, completed_at`

// GetExecution returns an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions returns executions of a workflow, newest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]WorkflowExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions
		WHERE workflow_id = ? ORDER BY id DESC LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []WorkflowExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExecutionsByStatus returns executions in the given status, oldest first.
// Used on startup to resume work left running by a previous process.
func (s *Store) ListExecutionsByStatus(ctx context.Context, status string) ([]WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions
		WHERE status = ? ORDER BY id ASC COLLATE BINARY`, status)
	if err != nil {
		return nil, fmt.Errorf("list executions by status: %w", err)
	}
	defer rows.Close()

	out := []WorkflowExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(sc rowScanner) (WorkflowExecution, error) {
	var e WorkflowExecution
	var execCtx, log, started string
	var completed sql.NullString
	err := sc.Scan(&e.ID, &e.WorkflowID, &e.Status, &e.Trigger, &e.Progress, &e.CurrentStep,
		&execCtx, &log, &e.Error, &e.StartedBy, &started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkflowExecution{}, ErrNotFound
		}
		return WorkflowExecution{}, fmt.Errorf("scan execution: %w", err)
	}
	if err := unmarshalJSON(execCtx, &e.Context); err != nil {
		return WorkflowExecution{}, err
	}
	if err := unmarshalJSON(log, &e.Log); err != nil {
		return WorkflowExecution{}, err
	}
	if e.StartedAt, err = parseTime(started); err != nil {
		return WorkflowExecution{}, err
	}
	if e.CompletedAt, err = parseNullTime(completed); err != nil {
		return WorkflowExecution{}, err
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	if e.Log == nil {
		e.Log = []ExecutionLogEntry{}
	}
	return e, nil
}
