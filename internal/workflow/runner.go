package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/retry"
	"github.com/roach88/caseguide/internal/store"
)

// Execution statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
)

// Log entry statuses.
const (
	entryCompleted = "completed"
	entryFailed    = "failed"
	entrySkipped   = "skipped"
)

// Runner executes queued workflow executions on a pool of workers.
type Runner struct {
	store    *store.Store
	handlers map[string]StepHandler
	breakers *retry.Registry
	clock    clock.Clock
	logger   *slog.Logger
	workers  int
	queue    *jobQueue

	// mu serializes status read-modify-write cycles between workers and
	// control operations (pause, resume, retry).
	mu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]bool

	// jitter is passed to retry executors; nil means math/rand.
	jitter func() float64
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHandlers replaces the step handlers.
func WithHandlers(h map[string]StepHandler) RunnerOption {
	return func(r *Runner) { r.handlers = h }
}

// WithBreakers sets the circuit breaker registry.
func WithBreakers(reg *retry.Registry) RunnerOption {
	return func(r *Runner) { r.breakers = reg }
}

// WithRunnerClock sets the clock used for timing and retry sleeps.
func WithRunnerClock(c clock.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithWorkers sets the worker count.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) { r.workers = n }
}

// WithJitter sets the retry jitter source.
func WithJitter(f func() float64) RunnerOption {
	return func(r *Runner) { r.jitter = f }
}

// NewRunner creates a runner. Call Run to start the workers.
func NewRunner(st *store.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    st,
		logger:   slog.Default(),
		workers:  4,
		queue:    newJobQueue(),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.OrSystem(r.clock)
	if r.breakers == nil {
		cfg := retry.DefaultConfig(retry.CircuitBreaker)
		r.breakers = retry.NewRegistry(cfg.FailureThreshold, cfg.Cooldown, r.clock)
	}
	if r.handlers == nil {
		r.handlers = DefaultHandlers(nil, r.breakers, r.logger)
	}
	if r.workers < 1 {
		r.workers = 1
	}
	return r
}

// Breakers returns the circuit breaker registry.
func (r *Runner) Breakers() *retry.Registry {
	return r.breakers
}

// Enqueue schedules an execution. Returns false after the runner stopped.
func (r *Runner) Enqueue(executionID string) bool {
	return r.queue.Enqueue(executionID)
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned. Executions still running when ctx ends stay in the
// running status and are picked up by Recover on the next start.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker)
		}(i)
	}
	<-ctx.Done()
	r.queue.Close()
	wg.Wait()
	return nil
}

func (r *Runner) work(ctx context.Context, worker int) {
	for {
		if id, ok := r.queue.TryDequeue(); ok {
			if err := r.Process(ctx, id); err != nil && ctx.Err() == nil {
				r.logger.Error("execution processing failed", "worker", worker, "execution_id", id, "error", err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case _, open := <-r.queue.Wait():
			if !open {
				return
			}
		}
	}
}

// Recover re-enqueues executions left running by a previous process.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	execs, err := r.store.ListExecutionsByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}
	for _, e := range execs {
		r.Enqueue(e.ID)
	}
	if len(execs) > 0 {
		r.logger.Info("recovered running executions", "count", len(execs))
	}
	return len(execs), nil
}

func (r *Runner) claim(id string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, id)
}

// Process runs the remaining steps of one execution. It returns
// immediately when the execution is not running or is already being
// processed by another worker.
func (r *Runner) Process(ctx context.Context, executionID string) error {
	if !r.claim(executionID) {
		return nil
	}
	defer r.release(executionID)

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != StatusRunning {
		return nil
	}
	wf, err := r.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	steps := sortedSteps(wf.Steps)
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}

	logger := r.logger.With("execution_id", exec.ID, "workflow_id", wf.ID)
	logger.Info("execution started", "steps", len(steps), "resume_from", firstIncomplete(steps, exec.Log))

	for _, step := range steps {
		if completedStep(exec.Log, step.StepNumber) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		sr := r.runStep(ctx, wf, step, wf.RetryConfig.Strategy, exec.Context)
		entry, outcome, stepErr, paused := sr.entry, sr.outcome, sr.err, sr.paused
		if errors.Is(stepErr, context.Canceled) && ctx.Err() != nil {
			// shutting down; leave the execution running for Recover
			return ctx.Err()
		}

		status, err := r.commit(ctx, exec.ID, func(e *store.WorkflowExecution) {
			e.Context = exec.Context
			e.CurrentStep = step.StepNumber
			e.Log = append(e.Log, entry)
			switch {
			case stepErr != nil && paused:
				e.Status = StatusPaused
				e.Error = stepErr.Error()
			case stepErr != nil:
				e.Status = StatusFailed
				e.Error = stepErr.Error()
				now := r.clock.Now()
				e.CompletedAt = &now
			case outcome.Stop:
				for _, rest := range steps {
					if rest.StepNumber > step.StepNumber && !completedStep(e.Log, rest.StepNumber) {
						e.Log = append(e.Log, store.ExecutionLogEntry{
							StepNumber: rest.StepNumber, Status: entrySkipped, Timestamp: r.clock.Now(),
						})
					}
				}
			}
			e.Progress = progress(steps, e.Log)
		})
		if err != nil {
			return err
		}
		exec.Log = append(exec.Log, entry)

		switch {
		case stepErr != nil && paused:
			logger.Warn("execution paused after step failure", "step", step.StepNumber, "error", stepErr)
			return nil
		case stepErr != nil:
			logger.Warn("execution failed", "step", step.StepNumber, "error", stepErr)
			return nil
		case status == StatusPaused:
			logger.Info("execution paused", "after_step", step.StepNumber)
			return nil
		case outcome.Stop:
			logger.Info("condition stopped execution", "step", step.StepNumber)
		}
		if outcome.Stop {
			break
		}
	}

	_, err = r.commit(ctx, exec.ID, func(e *store.WorkflowExecution) {
		if e.Status != StatusRunning {
			return
		}
		e.Status = StatusCompleted
		e.Progress = 100
		e.Error = ""
		now := r.clock.Now()
		e.CompletedAt = &now
	})
	if err == nil {
		logger.Info("execution completed")
	}
	return err
}

type stepResult struct {
	entry   store.ExecutionLogEntry
	outcome Outcome
	err     error
	paused  bool
}

// runStep runs one step under strategy and builds its log entry.
func (r *Runner) runStep(ctx context.Context, wf store.Workflow, step store.WorkflowStep, strategy string, state map[string]any) stepResult {
	start := r.clock.Now()
	entry := store.ExecutionLogEntry{StepNumber: step.StepNumber}

	var outcome Outcome
	var res retry.Result
	var err error

	handler, ok := r.handlers[step.Type]
	if !ok {
		err = &ConfigError{StepNumber: step.StepNumber, Message: fmt.Sprintf("no handler for step type %q", step.Type)}
	} else {
		var exec *retry.Executor
		exec, err = r.executor(wf, step, strategy)
		if err == nil {
			res, err = exec.Execute(ctx, func(ctx context.Context) error {
				var runErr error
				outcome, runErr = handler.Run(ctx, step, state)
				return runErr
			})
		}
	}

	entry.Attempts = res.Attempts
	entry.DurationMS = r.clock.Now().Sub(start).Milliseconds()
	entry.Timestamp = r.clock.Now()
	entry.Output = outcome.Output
	if err != nil {
		entry.Status = entryFailed
		entry.Error = err.Error()
	} else {
		entry.Status = entryCompleted
	}
	return stepResult{entry: entry, outcome: outcome, err: err, paused: res.Paused}
}

func (r *Runner) executor(wf store.Workflow, step store.WorkflowStep, strategy string) (*retry.Executor, error) {
	if strategy == "" {
		strategy = string(retry.Immediate)
	}
	s, err := retry.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	opts := []retry.Option{
		retry.WithClock(r.clock),
		retry.WithLogger(r.logger),
		retry.WithConfig(retry.Config{
			MaxAttempts:       wf.RetryConfig.MaxAttempts,
			BackoffMultiplier: wf.RetryConfig.BackoffMultiplier,
		}),
	}
	if r.jitter != nil {
		opts = append(opts, retry.WithRandom(r.jitter))
	}
	if s == retry.CircuitBreaker {
		opts = append(opts, retry.WithBreaker(r.breakers.Get(fmt.Sprintf("workflow:%s:step:%d", wf.ID, step.StepNumber))))
	}
	return retry.NewExecutor(s, opts...)
}

// commit re-reads the execution, applies fn and saves it, holding mu so
// control operations cannot interleave. It returns the saved status.
func (r *Runner) commit(ctx context.Context, id string, fn func(*store.WorkflowExecution)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return "", err
	}
	fn(&e)
	if err := r.store.SaveExecution(ctx, e); err != nil {
		return "", err
	}
	return e.Status, nil
}

func sortedSteps(steps []store.WorkflowStep) []store.WorkflowStep {
	out := slices.Clone(steps)
	slices.SortStableFunc(out, func(a, b store.WorkflowStep) int { return a.StepNumber - b.StepNumber })
	return out
}

// completedStep reports whether the log holds a completed or skipped
// entry for the step.
func completedStep(log []store.ExecutionLogEntry, stepNumber int) bool {
	for _, e := range log {
		if e.StepNumber == stepNumber && (e.Status == entryCompleted || e.Status == entrySkipped) {
			return true
		}
	}
	return false
}

func firstIncomplete(steps []store.WorkflowStep, log []store.ExecutionLogEntry) int {
	for _, s := range steps {
		if !completedStep(log, s.StepNumber) {
			return s.StepNumber
		}
	}
	return 0
}

// progress is the percentage of steps completed or skipped.
func progress(steps []store.WorkflowStep, log []store.ExecutionLogEntry) int {
	if len(steps) == 0 {
		return 100
	}
	done := 0
	for _, s := range steps {
		if completedStep(log, s.StepNumber) {
			done++
		}
	}
	return done * 100 / len(steps)
}

func copyState(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
