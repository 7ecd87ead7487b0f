package engine

import (
	"sync/atomic"
	"time"
)

// Clock hands out sequence IDs: a monotonic logical clock starting at 1.
//
// Sequence IDs define the required completion order. They are assigned by
// the request queue under its lock, so append order and ID order agree.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// TimeSource supplies the wall-clock stamps written on outcome lines.
// Wall time is informational only; it never orders anything.
type TimeSource interface {
	Now() time.Time
}

// SystemTime reads the real wall clock.
type SystemTime struct{}

// Now returns time.Now().
func (SystemTime) Now() time.Time { return time.Now() }
