// Package workflow stores workflow definitions and runs their executions.
//
// A workflow is an ordered list of steps. Executing it creates a
// WorkflowExecution record with status running and enqueues the execution
// ID on the Runner's job queue. Runner workers pull IDs and run the steps
// in order, each wrapped in the workflow's retry strategy, appending one
// log entry per attempt batch.
//
// Execution status transitions:
//
//	running -> completed | failed | paused
//	paused  -> running (Resume, or a successful RetryStep)
//	failed  -> running (successful RetryStep)
//
// Pause only takes effect between steps: a step that has started runs to
// completion before the worker observes the paused status.
package workflow
