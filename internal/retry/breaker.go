package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/caseguide/internal/clock"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitOpenError is returned when a call is refused by an open breaker.
type CircuitOpenError struct {
	Name     string
	Failures int
	Cooldown time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open: service unavailable (failures: %d, cooldown: %ds)",
		e.Failures, int(e.Cooldown/time.Second))
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// Breaker is a consecutive-failure circuit breaker.
//
// closed → open after Threshold failures; open → half_open once Cooldown
// has elapsed since the last failure; half_open → closed on success, or
// back to open on failure (the failure count is still at or above the
// threshold).
//
// Thread-safety: all methods are safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker. A nil clock uses the system clock.
func NewBreaker(name string, threshold int, cooldown time.Duration, c clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = DefaultConfig(CircuitBreaker).FailureThreshold
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.OrSystem(c),
		state:     StateClosed,
	}
}

// State returns the current state without transitioning.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a call may proceed, moving open → half_open when
// the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		elapsed := b.clock.Now().Sub(b.lastFailure)
		if elapsed >= b.cooldown {
			slog.Info("circuit breaker half-open", "breaker", b.name, "elapsed", elapsed)
			b.state = StateHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		slog.Info("circuit breaker closed", "breaker", b.name)
		b.state = StateClosed
	}
	b.failures = 0
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.clock.Now()
	if b.failures >= b.threshold {
		if b.state != StateOpen {
			slog.Warn("circuit breaker open", "breaker", b.name, "failures", b.failures, "cooldown", b.cooldown)
		}
		b.state = StateOpen
	}
}

func (b *Breaker) openError() *CircuitOpenError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &CircuitOpenError{Name: b.name, Failures: b.failures, Cooldown: b.cooldown}
}

// Registry hands out one Breaker per name.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
}

// NewRegistry creates a registry whose breakers use the given settings.
func NewRegistry(threshold int, cooldown time.Duration, c clock.Clock) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     c,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.threshold, r.cooldown, r.clock)
		r.breakers[name] = b
	}
	return b
}

// Snapshot returns the state of every known breaker.
func (r *Registry) Snapshot() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// Do runs fn when the breaker allows a call and records the outcome.
// It returns a *CircuitOpenError without calling fn while open.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return b.openError()
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
