// Package executor runs a plan's steps strictly one at a time.
//
// Each step is prepared, submitted and awaited before the next one starts,
// because later steps depend on chain state the earlier ones produce. The
// first failure halts the plan for good: confirmed steps are not rolled back,
// nothing is retried and a failed plan cannot be resumed. Callers build a
// fresh plan from fresh chain state instead.
//
// # State Machine
//
// A run is a pure state machine driven by Transition:
//
//	Idle --start--> Running(0) --confirmed--> Running(1) ... --> Succeeded
//	                     \--failed--> Failed(i, reason)
//
// An empty plan moves from Idle straight to Succeeded on start. Cancelling
// the context between steps fails the plan with ErrAbandoned; a step already
// submitted is always awaited.
//
// # Observability
//
// Every progress is handed to the configured Observers before it reaches the
// Run channel. Metrics count started and finished plans and time each step;
// each plan and each step gets its own OpenTelemetry span.
package executor
