package retry

import (
	"fmt"
	"time"
)

// Strategy names a retry policy.
type Strategy string

const (
	Immediate      Strategy = "immediate"
	Exponential    Strategy = "exponential"
	Manual         Strategy = "manual"
	CircuitBreaker Strategy = "circuit_breaker"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{Immediate, Exponential, Manual, CircuitBreaker}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown retry strategy %q: must be one of %v", s, Strategies)
}

// Config holds the tunables for a strategy. Fields that do not apply to a
// strategy are ignored.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction of the delay, 0.2 = ±20%

	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig returns the defaults for s.
func DefaultConfig(s Strategy) Config {
	switch s {
	case Immediate:
		return Config{MaxAttempts: 3}
	case Exponential:
		return Config{
			MaxAttempts:       5,
			InitialDelay:      time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.2,
		}
	case Manual:
		return Config{MaxAttempts: 1}
	case CircuitBreaker:
		return Config{MaxAttempts: 1, FailureThreshold: 5, Cooldown: 60 * time.Second}
	}
	return Config{MaxAttempts: 1}
}
