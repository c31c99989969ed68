// Package journal records executed plans and their step outcomes in SQLite.
//
// The journal lives for one session: it defaults to an in-memory database
// that disappears with the process. A file path is a debugging aid for
// inspecting a finished run with the journal command; nothing reads a journal
// file back to resume or reuse earlier plans, and every plan is still built
// from fresh chain state.
//
// All ordering uses seq, a logical clock, never wall time. Every query orders
// by seq so two replays of the same session read back identically.
//
// # Database Configuration
//
//   - WAL mode for file databases
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package journal
