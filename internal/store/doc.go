// Package store provides the SQLite-backed outcome journal.
//
// The journal is an append-only log with:
//   - Runs: one row per server run (ID, workers, accounts, start time)
//   - Outcomes: one row per completed request, keyed by (run_id, seq)
//
// *Store implements the engine's Sink and RunRecorder interfaces, so a server
// configured with it journals every outcome from inside the completion gate.
// Rows therefore land in sequence order.
//
// # Critical Patterns
//
// Idempotent Writes:
//   - INSERT ... ON CONFLICT DO NOTHING on both tables
//   - Writing the same (run_id, seq) twice keeps the first row
//
// Logical Ordering:
//   - Outcome queries ORDER BY seq ASC; wall-clock columns never order rows
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Outcomes must reference a recorded run
package store
