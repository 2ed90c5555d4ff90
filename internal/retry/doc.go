// Package retry runs fallible operations under one of four named strategies.
//
//	immediate        3 attempts, no delay
//	exponential      5 attempts, 1s initial delay, x2 backoff, ±20% jitter
//	manual           1 attempt; a failure asks the caller to pause for a human
//	circuit_breaker  1 attempt per call through a shared breaker that opens
//	                 after 5 consecutive failures and half-opens after 60s
//
// Workflow steps choose a strategy by name; the workflow runner keeps one
// CircuitBreaker per step target in a Registry so breakers survive across
// executions.
package retry
