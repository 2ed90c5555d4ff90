package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/caseguide/internal/clock"
)

// Result describes how an Execute call went.
type Result struct {
	Strategy Strategy
	Attempts int
	Delays   []time.Duration

	// Paused is set when a manual strategy call fails and the caller
	// should wait for an operator instead of failing outright.
	Paused bool
}

// Executor runs functions under a single strategy.
type Executor struct {
	strategy Strategy
	cfg      Config
	breaker  *Breaker
	clock    clock.Clock
	random   func() float64
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig overlays the strategy defaults. Zero fields keep the default,
// so use WithJitter or WithInitialDelay to set either of those to zero. A
// BackoffMultiplier below 1 would shrink delays and is ignored.
func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		if cfg.MaxAttempts > 0 {
			e.cfg.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.InitialDelay > 0 {
			e.cfg.InitialDelay = cfg.InitialDelay
		}
		if cfg.BackoffMultiplier >= 1 {
			e.cfg.BackoffMultiplier = cfg.BackoffMultiplier
		}
		if cfg.Jitter > 0 {
			e.cfg.Jitter = cfg.Jitter
		}
		if cfg.FailureThreshold > 0 {
			e.cfg.FailureThreshold = cfg.FailureThreshold
		}
		if cfg.Cooldown > 0 {
			e.cfg.Cooldown = cfg.Cooldown
		}
	}
}

// WithJitter sets the jitter fraction, clamped to [0, 1]. Zero disables
// jitter.
func WithJitter(fraction float64) Option {
	return func(e *Executor) { e.cfg.Jitter = min(max(fraction, 0), 1) }
}

// WithInitialDelay sets the delay before the first retry. Zero retries at
// once.
func WithInitialDelay(d time.Duration) Option {
	return func(e *Executor) { e.cfg.InitialDelay = max(d, 0) }
}

// WithBreaker shares an existing breaker, typically from a Registry.
func WithBreaker(b *Breaker) Option {
	return func(e *Executor) { e.breaker = b }
}

// WithClock sets the clock used for sleeping and breaker cooldowns.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithRandom sets the jitter source; it must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(e *Executor) { e.random = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor for strategy s.
func NewExecutor(s Strategy, opts ...Option) (*Executor, error) {
	if _, err := ParseStrategy(string(s)); err != nil {
		return nil, err
	}
	e := &Executor{
		strategy: s,
		cfg:      DefaultConfig(s),
		clock:    clock.System{},
		random:   rand.Float64,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if s == CircuitBreaker && e.breaker == nil {
		e.breaker = NewBreaker(string(s), e.cfg.FailureThreshold, e.cfg.Cooldown, e.clock)
	}
	return e, nil
}

// Strategy returns the executor's strategy.
func (e *Executor) Strategy() Strategy { return e.strategy }

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Execute runs fn under the executor's strategy. On failure the returned
// error is the last error from fn, a *CircuitOpenError, or ctx.Err() if
// the context ended while waiting between attempts.
func (e *Executor) Execute(ctx context.Context, fn func(context.Context) error) (Result, error) {
	switch e.strategy {
	case Immediate, Exponential:
		return e.executeAttempts(ctx, fn)
	case Manual:
		return e.executeManual(ctx, fn)
	case CircuitBreaker:
		return e.executeBreaker(ctx, fn)
	}
	return Result{Strategy: e.strategy}, fmt.Errorf("unknown retry strategy %q", e.strategy)
}

func (e *Executor) executeAttempts(ctx context.Context, fn func(context.Context) error) (Result, error) {
	res := Result{Strategy: e.strategy}
	delay := e.cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = attempt

		lastErr = fn(ctx)
		if lastErr == nil {
			e.logger.Debug("attempt succeeded", "strategy", e.strategy, "attempt", attempt)
			return res, nil
		}
		e.logger.Debug("attempt failed",
			"strategy", e.strategy, "attempt", attempt, "max_attempts", e.cfg.MaxAttempts, "error", lastErr)

		if attempt == e.cfg.MaxAttempts || e.strategy != Exponential {
			continue
		}

		wait := e.jittered(delay)
		res.Delays = append(res.Delays, wait)
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return res, err
		}
		delay = time.Duration(float64(delay) * e.cfg.BackoffMultiplier)
	}

	e.logger.Warn("all attempts failed", "strategy", e.strategy, "attempts", res.Attempts, "error", lastErr)
	return res, lastErr
}

// jittered returns d ± d*Jitter, never negative.
func (e *Executor) jittered(d time.Duration) time.Duration {
	j := float64(d) * e.cfg.Jitter * (2*e.random() - 1)
	out := time.Duration(float64(d) + j)
	if out < 0 {
		return 0
	}
	return out
}

func (e *Executor) executeManual(ctx context.Context, fn func(context.Context) error) (Result, error) {
	res := Result{Strategy: Manual, Attempts: 1}
	if err := fn(ctx); err != nil {
		e.logger.Info("manual strategy failed, pausing for operator", "error", err)
		res.Paused = true
		return res, err
	}
	return res, nil
}

func (e *Executor) executeBreaker(ctx context.Context, fn func(context.Context) error) (Result, error) {
	res := Result{Strategy: CircuitBreaker}
	if !e.breaker.Allow() {
		return res, e.breaker.openError()
	}

	res.Attempts = 1
	if err := fn(ctx); err != nil {
		e.breaker.RecordFailure()
		return res, err
	}
	e.breaker.RecordSuccess()
	return res, nil
}
