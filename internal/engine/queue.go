package engine

import (
	"sync"

	"github.com/roach88/bankserver/internal/ir"
)

// ClaimState is the lifecycle of a queued request.
type ClaimState int

const (
	// Pending nodes are waiting for a worker.
	Pending ClaimState = iota
	// Claimed nodes are being executed by exactly one worker.
	Claimed
	// Completed nodes have been logged and passed the gate.
	Completed
)

func (s ClaimState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Claimed:
		return "claimed"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

type node struct {
	req   ir.Request
	state ClaimState
}

// RequestQueue is an append-only, index-addressable sequence of requests.
//
// Node k (sequence ID k) lives at index k-1, so lookup by ID is O(1). Nodes are
// never removed; workers scan them instead of dequeuing. head is the index of
// the first node that is not Completed, so scans never revisit retired work.
//
// Every state change is made under mu. Waiters use Changed, which returns a
// channel closed on the next append, notify or close. Grabbing the channel
// before looking at the queue means a wakeup can't be lost in between.
type RequestQueue struct {
	mu      sync.Mutex
	clock   *Clock
	nodes   []*node
	head    int
	pending int
	closed  bool
	changed chan struct{}
}

// NewRequestQueue creates an empty queue whose first sequence ID is 1.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		clock:   NewClock(),
		nodes:   make([]*node, 0, 64),
		changed: make(chan struct{}),
	}
}

// Append stamps req with the next sequence ID, stores it as Pending and wakes
// waiting workers. It fails only after Close.
func (q *RequestQueue) Append(req ir.Request) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	req.Seq = q.clock.Next()
	if req.Legs != nil {
		legs := make([]ir.Leg, len(req.Legs))
		copy(legs, req.Legs)
		req.Legs = legs
	}
	q.nodes = append(q.nodes, &node{req: req, state: Pending})
	q.pending++
	q.broadcastLocked()

	return req.Seq, nil
}

// NextClaimable returns the first Pending request with sequence ID >= from.
// Nodes before head are all Completed and are skipped. The returned request
// shares its Legs slice with the queue; callers must not modify it.
func (q *RequestQueue) NextClaimable(from int64) (ir.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending == 0 {
		return ir.Request{}, false
	}
	start := q.head
	if idx := int(from) - 1; idx > start {
		start = idx
	}
	for i := start; i < len(q.nodes); i++ {
		if q.nodes[i].state == Pending {
			return q.nodes[i].req, true
		}
	}
	return ir.Request{}, false
}

// TryClaim moves a node from Pending to Claimed. It returns false, without
// error, if another worker already claimed or completed it.
func (q *RequestQueue) TryClaim(seq int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.lookupLocked(seq)
	if err != nil {
		return false, err
	}
	if n.state != Pending {
		return false, nil
	}
	n.state = Claimed
	q.pending--
	return true, nil
}

// Complete moves a claimed node to Completed and advances head.
//
// Complete does not wake waiters: it runs inside the gate's critical section
// and the gate counter is stored afterwards. Call Notify once the gate has
// advanced.
func (q *RequestQueue) Complete(seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.lookupLocked(seq)
	if err != nil {
		return err
	}
	switch n.state {
	case Claimed:
	case Completed:
		return newInvariantError(ErrCodeDoubleClaim, seq, "node completed twice")
	default:
		return newInvariantError(ErrCodeInvalidTransition, seq,
			"complete from %s", n.state)
	}
	n.state = Completed
	for q.head < len(q.nodes) && q.nodes[q.head].state == Completed {
		q.head++
	}
	return nil
}

// Notify wakes every goroutine waiting on Changed.
func (q *RequestQueue) Notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.broadcastLocked()
}

// Changed returns a channel that is closed on the next state change.
//
//	wake := q.Changed()
//	// inspect queue ...
//	select {
//	case <-ctx.Done():
//	case <-wake:
//	}
func (q *RequestQueue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Close stops the queue from accepting new requests. Already queued requests
// still run.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Closed reports whether Close has been called.
func (q *RequestQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drained reports whether the queue is closed and every node is Completed.
func (q *RequestQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.head == len(q.nodes)
}

// Len returns the number of requests ever appended.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.nodes)
}

// Pending returns the number of Pending nodes.
func (q *RequestQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// State returns the claim state of a node.
func (q *RequestQueue) State(seq int64) (ClaimState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.lookupLocked(seq)
	if err != nil {
		return 0, false
	}
	return n.state, true
}

func (q *RequestQueue) lookupLocked(seq int64) (*node, error) {
	if seq < 1 || int(seq) > len(q.nodes) {
		return nil, newInvariantError(ErrCodeUnknownSequence, seq,
			"no request with this sequence ID (have %d)", len(q.nodes))
	}
	return q.nodes[seq-1], nil
}

// broadcastLocked wakes all waiters. Caller holds mu.
func (q *RequestQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
