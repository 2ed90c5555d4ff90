package workflow

import (
	"context"
	"errors"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/retry"
	"github.com/roach88/caseguide/internal/store"
)

func (r *Runner) getExecution(ctx context.Context, id string) (store.WorkflowExecution, error) {
	e, err := r.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.WorkflowExecution{}, apperr.NotFound("execution", id)
	}
	return e, err
}

// Pause moves a running execution to paused. The worker stops after the
// step in progress.
func (r *Runner) Pause(ctx context.Context, id string) (store.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.getExecution(ctx, id)
	if err != nil {
		return store.WorkflowExecution{}, err
	}
	if e.Status != StatusRunning {
		return store.WorkflowExecution{}, apperr.New(apperr.CodeInvalidTransition,
			"cannot pause execution with status %q", e.Status)
	}
	e.Status = StatusPaused
	if err := r.store.SaveExecution(ctx, e); err != nil {
		return store.WorkflowExecution{}, err
	}
	r.logger.Info("execution paused", "execution_id", id)
	return e, nil
}

// Resume moves a paused execution back to running and re-enqueues it. It
// continues from the first step without a completed log entry.
func (r *Runner) Resume(ctx context.Context, id string) (store.WorkflowExecution, error) {
	r.mu.Lock()
	e, err := r.getExecution(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return store.WorkflowExecution{}, err
	}
	if e.Status != StatusPaused {
		r.mu.Unlock()
		return store.WorkflowExecution{}, apperr.New(apperr.CodeInvalidTransition,
			"cannot resume execution with status %q", e.Status)
	}
	e.Status = StatusRunning
	e.Error = ""
	err = r.store.SaveExecution(ctx, e)
	r.mu.Unlock()
	if err != nil {
		return store.WorkflowExecution{}, err
	}

	r.Enqueue(id)
	r.logger.Info("execution resumed", "execution_id", id)
	return e, nil
}

// RetryStep re-runs one step of a failed or paused execution under the
// given strategy and appends its log entry. On success the execution goes
// back to running and is re-enqueued to finish the remaining steps.
func (r *Runner) RetryStep(ctx context.Context, id string, stepNumber int, strategy string) (store.WorkflowExecution, error) {
	s, err := retry.ParseStrategy(strategy)
	if err != nil {
		return store.WorkflowExecution{}, apperr.Invalid("strategy", "must be one of immediate, exponential, manual, circuit_breaker")
	}
	if !r.claim(id) {
		return store.WorkflowExecution{}, apperr.New(apperr.CodeConflict, "execution %s is being processed", id)
	}

	saved, ok, err := r.retryStep(ctx, id, stepNumber, s)
	r.release(id)
	if err != nil {
		return store.WorkflowExecution{}, err
	}
	if ok {
		r.Enqueue(id)
	}
	return saved, nil
}

func (r *Runner) retryStep(ctx context.Context, id string, stepNumber int, s retry.Strategy) (store.WorkflowExecution, bool, error) {
	e, err := r.getExecution(ctx, id)
	if err != nil {
		return store.WorkflowExecution{}, false, err
	}
	if e.Status != StatusFailed && e.Status != StatusPaused {
		return store.WorkflowExecution{}, false, apperr.New(apperr.CodeInvalidTransition,
			"cannot retry a step of execution with status %q", e.Status)
	}
	wf, err := r.store.GetWorkflow(ctx, e.WorkflowID)
	if err != nil {
		return store.WorkflowExecution{}, false, err
	}
	var step *store.WorkflowStep
	for i := range wf.Steps {
		if wf.Steps[i].StepNumber == stepNumber {
			step = &wf.Steps[i]
			break
		}
	}
	if step == nil {
		return store.WorkflowExecution{}, false, apperr.Invalid("step_number", "workflow has no step %d", stepNumber)
	}

	state := copyState(e.Context)
	sr := r.runStep(ctx, wf, *step, string(s), state)
	steps := sortedSteps(wf.Steps)

	var saved store.WorkflowExecution
	_, err = r.commit(ctx, id, func(cur *store.WorkflowExecution) {
		cur.Log = append(cur.Log, sr.entry)
		if sr.err != nil {
			cur.Error = sr.err.Error()
			if sr.paused {
				cur.Status = StatusPaused
			}
		} else {
			cur.Context = state
			cur.Status = StatusRunning
			cur.Error = ""
			cur.CompletedAt = nil
		}
		cur.CurrentStep = stepNumber
		cur.Progress = progress(steps, cur.Log)
		saved = *cur
	})
	if err != nil {
		return store.WorkflowExecution{}, false, err
	}
	r.logger.Info("step retried",
		"execution_id", id, "step", stepNumber, "strategy", s, "attempts", sr.entry.Attempts, "status", sr.entry.Status)
	return saved, sr.err == nil, nil
}
