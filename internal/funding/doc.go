// Package funding is the session-level service behind the CLI and scenarios.
//
// Every answer is derived from a fresh View of chain state: nothing read in a
// previous call is reused. Quotes are pure projections of a View; submitting
// re-reads chain state and builds a new plan from it.
package funding
