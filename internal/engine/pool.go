package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/bankserver/internal/ir"
	"github.com/roach88/bankserver/internal/ledger"
)

// PoolStats is a point-in-time view of the worker pool.
type PoolStats struct {
	Workers       int   `json:"workers"`
	Active        int64 `json:"active"`
	Completed     int64 `json:"completed"`
	Retries       int64 `json:"retries"`
	Submitted     int   `json:"submitted"`
	Pending       int   `json:"pending"`
	LastCompleted int64 `json:"last_completed"`
}

// WorkerPool runs a fixed number of symmetric workers over a server's queue.
//
// Any worker may run any request. A claim attempt goes:
//
//  1. scan for the earliest Pending node
//  2. gate check: the node must be lastCompleted+1, else retry
//  3. optional jittered backoff
//  4. non-blocking all-or-nothing account locking, else retry
//  5. Pending→Claimed, else (lost the race) release locks and retry
//  6. execute under the locks
//  7. release locks, then log + mark Completed + advance the gate as one step
//
// A worker blocks only when nothing is pending. A failed attempt waits for the
// next queue change or RetryInterval, whichever comes first.
type WorkerPool struct {
	s    *Server
	size int

	active    atomic.Int64
	completed atomic.Int64
	retries   atomic.Int64
}

func newWorkerPool(s *Server, size int) *WorkerPool {
	return &WorkerPool{s: s, size: size}
}

// Run starts the workers and blocks until the queue is closed and drained, ctx
// is cancelled, or a worker fails. The first worker error cancels the rest.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			return p.worker(gctx, id)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil && !p.s.queue.Drained() {
		return ctx.Err()
	}
	return nil
}

// Stats returns the current pool statistics.
func (p *WorkerPool) Stats() PoolStats {
	q := p.s.queue
	return PoolStats{
		Workers:       p.size,
		Active:        p.active.Load(),
		Completed:     p.completed.Load(),
		Retries:       p.retries.Load(),
		Submitted:     q.Len(),
		Pending:       q.Pending(),
		LastCompleted: p.s.gate.Last(),
	}
}

func (p *WorkerPool) worker(ctx context.Context, id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InvariantError{
				Code:    ErrCodeWorkerPanic,
				Message: fmt.Sprintf("panic in worker: %v", r),
				Worker:  id,
			}
		}
	}()

	log := p.s.log.With("worker", id)
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	q := p.s.queue
	var cursor int64
	for {
		wake := q.Changed()

		req, ok := q.NextClaimable(cursor)
		if !ok {
			if cursor > 0 {
				cursor = 0
				continue
			}
			if q.Drained() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
			continue
		}

		done, reason, err := p.attempt(ctx, id, req)
		if err != nil {
			var ie *InvariantError
			if errors.As(err, &ie) && ie.Worker < 0 {
				ie.Worker = id
			}
			log.Error("worker failed", "seq", req.Seq, "error", err)
			return err
		}
		if done {
			cursor = req.Seq + 1
			continue
		}

		p.retries.Add(1)
		p.s.metrics.Retries.WithLabelValues(reason).Inc()
		cursor = 0
		if !p.wait(ctx, wake) {
			return nil
		}
	}
}

// attempt tries to run req once. It reports done when req completed, or the
// retry reason when it was left Pending for a later attempt.
func (p *WorkerPool) attempt(ctx context.Context, id int, req ir.Request) (done bool, reason string, err error) {
	s := p.s

	if !s.gate.Admits(req.Seq) {
		return false, retryGate, nil
	}
	if !p.backoff(ctx) {
		return false, retryGate, nil
	}

	held, ok := s.ledger.TryAcquire(req.Accounts())
	if !ok {
		return false, retryLock, nil
	}

	claimed, err := s.queue.TryClaim(req.Seq)
	if err != nil {
		held.Release()
		return false, "", err
	}
	if !claimed {
		held.Release()
		return false, retryClaimed, nil
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	start := s.now.Now()
	outcome, err := s.execute(held, req)
	end := s.now.Now()
	held.Release()
	if err != nil {
		return false, "", executionError(req.Seq, err)
	}

	rec := ir.OutcomeRecord{
		RunID:   s.runID,
		Seq:     req.Seq,
		Request: req,
		Outcome: outcome,
		Start:   start,
		End:     end,
		Worker:  id,
	}

	// An executed request must be logged even if shutdown has begun.
	logCtx := context.WithoutCancel(ctx)
	err = s.gate.Advance(req.Seq, func() error {
		if err := s.logger.Log(logCtx, rec); err != nil {
			return err
		}
		return s.queue.Complete(req.Seq)
	})
	if err != nil {
		return false, "", err
	}
	s.queue.Notify()

	p.completed.Add(1)
	s.metrics.Completed.WithLabelValues(outcome.Kind.Tag()).Inc()
	s.metrics.LastCompleted.Set(float64(req.Seq))
	s.metrics.Pending.Set(float64(s.queue.Pending()))
	s.metrics.Critical.Observe(end.Sub(start).Seconds())
	s.log.Debug("request completed",
		"seq", req.Seq,
		"worker", id,
		"request", req.String(),
		"outcome", outcome.Payload(),
	)
	return true, "", nil
}

// backoff sleeps a random duration in [0, ClaimBackoff). It spreads out
// workers racing for the same head-of-line request and is never relied on for
// correctness. Returns false if ctx ended first.
func (p *WorkerPool) backoff(ctx context.Context) bool {
	max := p.s.cfg.ClaimBackoff
	if max <= 0 {
		return true
	}
	d := time.Duration(rand.Int64N(int64(max)))
	if d == 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// wait blocks until wake fires, RetryInterval passes, or ctx ends. Returns
// false if ctx ended.
func (p *WorkerPool) wait(ctx context.Context, wake <-chan struct{}) bool {
	timer := time.NewTimer(p.s.cfg.RetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

// executionError maps a ledger failure inside a claimed request to the
// invariant it breaks.
func executionError(seq int64, err error) *InvariantError {
	code := ErrCodeExecutionFailed
	switch {
	case errors.Is(err, ledger.ErrNegativeBalance):
		code = ErrCodeNegativeBalance
	case errors.Is(err, ledger.ErrNotHeld), errors.Is(err, ledger.ErrReleased):
		code = ErrCodeLockNotHeld
	}
	return &InvariantError{
		Code:    code,
		Message: "request execution failed",
		Seq:     seq,
		Worker:  -1,
		Err:     err,
	}
}
