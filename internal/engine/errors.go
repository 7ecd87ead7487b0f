package engine

import (
	"errors"
	"fmt"
)

// ErrQueueClosed is returned by Submit after the server stopped accepting
// requests.
var ErrQueueClosed = errors.New("request queue closed")

// ErrAlreadyStarted is returned by Start when the pool is already running.
var ErrAlreadyStarted = errors.New("server already started")

// ErrNotStarted is returned by Wait and Shutdown before Start.
var ErrNotStarted = errors.New("server not started")

// InvariantError reports a broken core invariant.
//
// Invariant errors are never caused by user input. They include:
//   - Double claim: a node moved Pending→Claimed twice
//   - Invalid transition: any claim-state move outside the state machine
//   - Gate regression: a completion out of sequence order
//   - Unknown sequence: a claim or completion for an ID never appended
//   - Negative balance: a balance below zero observed under lock
//   - Lock not held: a request executed without the account locks it needs
//   - Execution failed: any other failure inside a claimed request
//   - Worker panic: a panic recovered inside a worker
//
// The worker pool stops on the first InvariantError and Server.Wait returns it.
type InvariantError struct {
	// Code identifies the invariant.
	Code InvariantCode

	// Message is a human-readable description.
	Message string

	// Seq is the request sequence ID involved, if any.
	Seq int64

	// Worker is the worker index that detected the violation, or -1.
	Worker int

	// Err is the underlying cause, if any.
	Err error
}

// InvariantCode categorizes invariant violations.
type InvariantCode string

const (
	ErrCodeDoubleClaim       InvariantCode = "DOUBLE_CLAIM"
	ErrCodeInvalidTransition InvariantCode = "INVALID_TRANSITION"
	ErrCodeGateRegression    InvariantCode = "GATE_REGRESSION"
	ErrCodeUnknownSequence   InvariantCode = "UNKNOWN_SEQUENCE"
	ErrCodeNegativeBalance   InvariantCode = "NEGATIVE_BALANCE"
	ErrCodeLockNotHeld       InvariantCode = "LOCK_NOT_HELD"
	ErrCodeExecutionFailed   InvariantCode = "EXECUTION_FAILED"
	ErrCodeWorkerPanic       InvariantCode = "WORKER_PANIC"
)

// Error implements the error interface.
func (e *InvariantError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Seq > 0 {
		msg = fmt.Sprintf("%s (seq=%d)", msg, e.Seq)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *InvariantError) Unwrap() error {
	return e.Err
}

// IsInvariantError returns true if err is or wraps an *InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// InvariantCodeOf returns the code of a wrapped *InvariantError, or "".
func InvariantCodeOf(err error) InvariantCode {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

func newInvariantError(code InvariantCode, seq int64, format string, args ...any) *InvariantError {
	return &InvariantError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Seq:     seq,
		Worker:  -1,
	}
}
