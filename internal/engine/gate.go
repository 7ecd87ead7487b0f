package engine

import (
	"sync"
	"sync/atomic"
)

// CompletionGate enforces system-wide completion in sequence order.
//
// last is the sequence ID of the most recently completed request (0 before
// any). Request k may complete only when last == k-1. Reads of last are
// lock-free so workers can poll it cheaply; Advance serializes through mu so
// the commit callback (outcome log write + queue completion) runs one at a time
// and in order.
type CompletionGate struct {
	mu   sync.Mutex
	last atomic.Int64
}

// NewCompletionGate creates a gate with last == 0.
func NewCompletionGate() *CompletionGate {
	return &CompletionGate{}
}

// Last returns the sequence ID of the most recently completed request.
func (g *CompletionGate) Last() int64 {
	return g.last.Load()
}

// Admits reports whether seq is next in line.
func (g *CompletionGate) Admits(seq int64) bool {
	return seq == g.last.Load()+1
}

// Advance runs commit and then moves last to seq. It fails with a
// GATE_REGRESSION InvariantError if seq is not next. If commit fails the gate
// does not move.
func (g *CompletionGate) Advance(seq int64, commit func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	last := g.last.Load()
	if seq != last+1 {
		return newInvariantError(ErrCodeGateRegression, seq,
			"completion out of order: last completed is %d", last)
	}
	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	g.last.Store(seq)
	return nil
}
