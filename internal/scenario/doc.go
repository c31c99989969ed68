// Package scenario runs scripted funding sessions end to end against the
// chain simulator and records a deterministic trace of what happened.
//
// A scenario seeds the simulator, then walks its steps in order: quotes,
// submissions, scripted failures and clock advances. Every submission goes
// through funding.Service, so plans are built from fresh reads and executed by
// the real executor with the session journal attached.
//
// # Scenario Format
//
//	name: wrap-reverts
//	now: 1700000000
//	min_score: 15
//	chain:
//	  underlying: "1000"
//	  pool_flow_rate: "1000000000"
//	  grantees:
//	    - {id: grantee-1, super_app: "0xapp1", units: "5", flow_rate: "250000000"}
//	  scores: {"0xalice": 20}
//	target: {account: "0xalice", pool: pool-1, grantee: grantee-1, operator: "0xstrategy"}
//	steps:
//	  - fail: {op: wrap, kind: REVERTED, message: "transfer amount exceeds balance"}
//	  - submit: {amount: "10", wrap: "30"}
//	    expect: {status: failed, failed_step: 1}
//
// # Step Types
//
//   - quote: projects a change without submitting it
//   - submit: builds and executes a fresh plan
//   - fail: scripts the next submission of an operation to fail
//   - advance: moves the simulator clock forward by N seconds
//   - score: changes an account's reputation score
//
// Unknown keys are rejected. A golden file at golden/<name>.golden next to
// the scenario pins its rendered trace.
package scenario
