// Package ir provides the request and outcome types shared by the bankserver
// packages.
//
// This package contains value types and validation only. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - balances and deltas are int64
//   - Requests are immutable once the queue stamps their Seq
//   - Seq is the only ordering key; wall-clock times are informational
//   - All JSON tags use snake_case
package ir
