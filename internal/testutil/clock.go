package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the first stamp a SteppingTime returns when no base is given.
var DefaultEpoch = time.Unix(1700000000, 0)

// SteppingTime is a deterministic wall clock for tests.
//
// Every call to Now returns the previous value plus Step, starting at Base.
// Because requests complete in sequence order and each takes exactly two
// stamps, a run driven by SteppingTime writes byte-identical output lines.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SteppingTime struct {
	mu   sync.Mutex
	base time.Time
	step time.Duration
	n    int64
}

// NewSteppingTime creates a clock starting at base that advances by step on
// every call. A zero base means DefaultEpoch; a zero step means one
// microsecond, the resolution of outcome stamps.
func NewSteppingTime(base time.Time, step time.Duration) *SteppingTime {
	if base.IsZero() {
		base = DefaultEpoch
	}
	if step == 0 {
		step = time.Microsecond
	}
	return &SteppingTime{base: base, step: step}
}

// Now returns the next stamp.
func (c *SteppingTime) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.base.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Calls returns how many stamps have been handed out.
func (c *SteppingTime) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Reset rewinds the clock to its base.
//
// Used for test reuse. After Reset(), the next call to Now() returns base.
func (c *SteppingTime) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
