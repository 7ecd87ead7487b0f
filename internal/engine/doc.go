// Package engine implements the ordered request processing core of bankserver.
//
// A Server accepts balance checks and multi-account transfers, runs them on a
// pool of symmetric workers, and writes exactly one outcome line per request.
//
// ARCHITECTURE:
//
// Request Flow:
// 1. Server.Submit validates a request and appends it to the RequestQueue,
// which stamps the next sequence ID and wakes idle workers
// 2. A worker scans for the earliest Pending node
// 3. The CompletionGate admits it only if it is lastCompleted+1
// 4. The worker try-locks every account the request touches, all or nothing
// 5. The worker claims the node (Pending→Claimed) and executes it
// 6. Locks are released; the outcome is logged, the node marked Completed and
// the gate advanced, all under the gate lock
//
// Any failed step leaves the node Pending and the worker retries after the
// next queue change or a short interval. The only blocking wait is for work
// when nothing is pending.
//
// CRITICAL PATTERNS:
//
// Sequence IDs:
// Every request is stamped by Clock.Next() under the queue lock, so ID order
// equals submission order. Wall-clock stamps on outcome lines are
// informational and never order anything.
//
// Global Completion Order:
// Requests complete strictly in ID order. Outcome lines are written from
// inside the gate, so the output file is in ID order too.
//
// No Hold-and-Wait:
// Account locks are taken with TryLock. A worker holding some locks never
// waits for another, so the pool cannot deadlock.
package engine
