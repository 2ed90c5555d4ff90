package workflow

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/paging"
	"github.com/roach88/caseguide/internal/retry"
	"github.com/roach88/caseguide/internal/store"
)

// Workflow statuses.
const (
	WorkflowActive   = "active"
	WorkflowInactive = "inactive"
)

// Triggers.
const (
	TriggerManual    = "manual"
	TriggerAutomatic = "automatic"
	TriggerSchedule  = "schedule"
)

// TriggerKeys are the only keys allowed in trigger_conditions.
var TriggerKeys = []string{"event_type", "filters", "schedule"}

const maxWorkflowName = 200

// Definition is the user-supplied part of a workflow.
type Definition struct {
	Name              string               `json:"name"`
	Description       string               `json:"description"`
	Status            string               `json:"status"`
	TriggerConditions map[string]any       `json:"trigger_conditions"`
	Steps             []store.WorkflowStep `json:"steps"`
	RetryConfig       store.RetryConfig    `json:"retry_config"`
}

// Query filters List.
type Query struct {
	Status    string
	CreatedBy string
	Search    string
	paging.Params
}

// ExecuteRequest starts an execution.
type ExecuteRequest struct {
	Trigger string         `json:"trigger"`
	Input   map[string]any `json:"input"`
}

// Validate checks a definition and fills defaults: status inactive,
// missing trigger keys as null and retry strategy immediate.
func (d *Definition) Validate() error {
	if d.Status == "" {
		d.Status = WorkflowInactive
	}
	if d.TriggerConditions == nil {
		d.TriggerConditions = map[string]any{}
	}
	if d.RetryConfig.Strategy == "" {
		d.RetryConfig.Strategy = string(retry.Immediate)
	}

	var c apperr.Collector
	n := utf8.RuneCountInString(strings.TrimSpace(d.Name))
	c.Check(n >= 1 && n <= maxWorkflowName, "name", "must be 1-%d characters", maxWorkflowName)
	c.Check(d.Status == WorkflowActive || d.Status == WorkflowInactive, "status", "must be active or inactive")

	for k := range d.TriggerConditions {
		c.Check(slices.Contains(TriggerKeys, k), "trigger_conditions", "unknown key %q", k)
	}
	for _, k := range TriggerKeys {
		if _, ok := d.TriggerConditions[k]; !ok {
			d.TriggerConditions[k] = nil
		}
	}

	c.Check(len(d.Steps) > 0, "steps", "at least one step is required")
	seen := map[int]bool{}
	for _, s := range d.Steps {
		c.Check(s.StepNumber >= 1, "steps", "step_number must be >= 1, got %d", s.StepNumber)
		if seen[s.StepNumber] {
			c.Add("steps", "duplicate step_number %d", s.StepNumber)
		}
		seen[s.StepNumber] = true
		c.Check(slices.Contains(StepTypes, s.Type), "steps", "step %d: type must be one of %s", s.StepNumber, strings.Join(StepTypes, ", "))
	}

	if _, err := retry.ParseStrategy(d.RetryConfig.Strategy); err != nil {
		c.Add("retry_config.strategy", "must be one of immediate, exponential, manual, circuit_breaker")
	}
	c.Check(d.RetryConfig.MaxAttempts >= 0 && d.RetryConfig.MaxAttempts <= 10, "retry_config.max_attempts", "must be between 0 and 10")
	c.Check(d.RetryConfig.BackoffMultiplier == 0 || (d.RetryConfig.BackoffMultiplier >= 1 && d.RetryConfig.BackoffMultiplier <= 10),
		"retry_config.backoff_multiplier", "must be between 1 and 10")
	return c.Err()
}

// Service manages workflow definitions and executions.
type Service struct {
	store  *store.Store
	runner *Runner
	audit  *admin.Auditor
	ids    ids.Generator
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a workflow service backed by runner. audit may be nil.
func NewService(st *store.Store, runner *Runner, audit *admin.Auditor, gen ids.Generator, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, runner: runner, audit: audit, ids: ids.OrDefault(gen), clock: clock.OrSystem(clk), logger: logger}
}

// Create stores a new workflow.
func (s *Service) Create(ctx context.Context, actor admin.Actor, d Definition) (store.Workflow, error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionWrite)); err != nil {
		return store.Workflow{}, err
	}
	if err := d.Validate(); err != nil {
		return store.Workflow{}, err
	}
	now := s.clock.Now()
	w := store.Workflow{
		ID:                s.ids.New(),
		Name:              strings.TrimSpace(d.Name),
		Description:       d.Description,
		Status:            d.Status,
		TriggerConditions: d.TriggerConditions,
		Steps:             sortedSteps(d.Steps),
		RetryConfig:       d.RetryConfig,
		CreatedBy:         actor.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.SaveWorkflow(ctx, w); err != nil {
		return store.Workflow{}, err
	}
	if err := s.record(ctx, actor, admin.AuditCreate, w.ID, nil, w); err != nil {
		return store.Workflow{}, err
	}
	s.logger.Info("workflow created", "workflow_id", w.ID, "name", w.Name, "steps", len(w.Steps))
	return w, nil
}

// Update replaces a workflow's definition.
func (s *Service) Update(ctx context.Context, actor admin.Actor, id string, d Definition) (store.Workflow, error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionWrite)); err != nil {
		return store.Workflow{}, err
	}
	old, err := s.get(ctx, id)
	if err != nil {
		return store.Workflow{}, err
	}
	if err := d.Validate(); err != nil {
		return store.Workflow{}, err
	}
	w := old
	w.Name = strings.TrimSpace(d.Name)
	w.Description = d.Description
	w.Status = d.Status
	w.TriggerConditions = d.TriggerConditions
	w.Steps = sortedSteps(d.Steps)
	w.RetryConfig = d.RetryConfig
	w.UpdatedAt = s.clock.Now()
	if err := s.store.SaveWorkflow(ctx, w); err != nil {
		return store.Workflow{}, err
	}
	if err := s.record(ctx, actor, admin.AuditUpdate, id, old, w); err != nil {
		return store.Workflow{}, err
	}
	return w, nil
}

// Get returns a workflow.
func (s *Service) Get(ctx context.Context, actor admin.Actor, id string) (store.Workflow, error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionRead)); err != nil {
		return store.Workflow{}, err
	}
	return s.get(ctx, id)
}

func (s *Service) get(ctx context.Context, id string) (store.Workflow, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Workflow{}, apperr.NotFound("workflow", id)
	}
	return w, err
}

// List returns a page of workflows.
func (s *Service) List(ctx context.Context, actor admin.Actor, q Query) (paging.Result[store.Workflow], error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionRead)); err != nil {
		return paging.Result[store.Workflow]{}, err
	}
	p, err := q.Params.Normalize(20, 100)
	if err != nil {
		return paging.Result[store.Workflow]{}, err
	}
	if q.Status != "" && q.Status != WorkflowActive && q.Status != WorkflowInactive {
		return paging.Result[store.Workflow]{}, apperr.Invalid("status", "must be active or inactive")
	}
	list, total, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		Status:    q.Status,
		CreatedBy: q.CreatedBy,
		Search:    q.Search,
		Limit:     p.Limit,
		Offset:    p.Offset(),
	})
	if err != nil {
		return paging.Result[store.Workflow]{}, err
	}
	return paging.NewResult(list, total, p), nil
}

// Delete removes a workflow and its executions.
func (s *Service) Delete(ctx context.Context, actor admin.Actor, id string) error {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionDelete)); err != nil {
		return err
	}
	w, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	return s.record(ctx, actor, admin.AuditDelete, id, w, nil)
}

// Execute creates a running execution and enqueues it. Inactive workflows
// only run on a manual trigger.
func (s *Service) Execute(ctx context.Context, actor admin.Actor, id string, req ExecuteRequest) (store.WorkflowExecution, error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionExecute)); err != nil {
		return store.WorkflowExecution{}, err
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	if req.Trigger != TriggerManual && req.Trigger != TriggerAutomatic && req.Trigger != TriggerSchedule {
		return store.WorkflowExecution{}, apperr.Invalid("trigger", "must be manual, automatic or schedule")
	}
	w, err := s.get(ctx, id)
	if err != nil {
		return store.WorkflowExecution{}, err
	}
	if w.Status != WorkflowActive && req.Trigger != TriggerManual {
		return store.WorkflowExecution{}, apperr.New(apperr.CodeConflict, "workflow %s is inactive", id)
	}

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	e := store.WorkflowExecution{
		ID:         s.ids.New(),
		WorkflowID: w.ID,
		Status:     StatusRunning,
		Trigger:    req.Trigger,
		Context:    input,
		Log:        []store.ExecutionLogEntry{},
		StartedBy:  actor.UserID,
		StartedAt:  s.clock.Now(),
	}
	if err := s.store.SaveExecution(ctx, e); err != nil {
		return store.WorkflowExecution{}, err
	}
	if !s.runner.Enqueue(e.ID) {
		s.logger.Warn("runner stopped, execution left queued for recovery", "execution_id", e.ID)
	}
	s.logger.Info("execution queued", "execution_id", e.ID, "workflow_id", w.ID, "trigger", e.Trigger)
	return e, nil
}

// Execution returns the current state of an execution.
func (s *Service) Execution(ctx context.Context, actor admin.Actor, id string) (store.WorkflowExecution, error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionRead)); err != nil {
		return store.WorkflowExecution{}, err
	}
	return s.runner.getExecution(ctx, id)
}

// Executions returns recent executions of a workflow.
func (s *Service) Executions(ctx context.Context, actor admin.Actor, workflowID string, limit int) ([]store.WorkflowExecution, error) {
	if _, err := s.Get(ctx, actor, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, workflowID, limit)
}

// Pause pauses a running execution.
func (s *Service) Pause(ctx context.Context, actor admin.Actor, id string) (store.WorkflowExecution, error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionExecute)); err != nil {
		return store.WorkflowExecution{}, err
	}
	return s.runner.Pause(ctx, id)
}

// Resume resumes a paused execution.
func (s *Service) Resume(ctx context.Context, actor admin.Actor, id string) (store.WorkflowExecution, error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionExecute)); err != nil {
		return store.WorkflowExecution{}, err
	}
	return s.runner.Resume(ctx, id)
}

// RetryStep re-runs one step with the named strategy.
func (s *Service) RetryStep(ctx context.Context, actor admin.Actor, id string, stepNumber int, strategy string) (store.WorkflowExecution, error) {
	if err := actor.Require(admin.Perm(admin.CategoryWorkflows, admin.ActionExecute)); err != nil {
		return store.WorkflowExecution{}, err
	}
	return s.runner.RetryStep(ctx, id, stepNumber, strategy)
}

func (s *Service) record(ctx context.Context, actor admin.Actor, action admin.AuditAction, id string, oldVal, newVal any) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, actor, admin.Entry{
		Action:       action,
		ResourceType: admin.ResourceWorkflow,
		ResourceID:   id,
		OldValue:     oldVal,
		NewValue:     newVal,
	})
}
