package ir

import (
	"errors"
	"fmt"
)

// ValidationErrorCode categorizes request validation failures.
type ValidationErrorCode string

const (
	// ErrCodeAccountOutOfRange indicates an account ID outside [0, N).
	ErrCodeAccountOutOfRange ValidationErrorCode = "ACCOUNT_OUT_OF_RANGE"

	// ErrCodeNoLegs indicates a transfer with no legs.
	ErrCodeNoLegs ValidationErrorCode = "NO_LEGS"

	// ErrCodeTooManyLegs indicates a transfer with more than MaxLegs legs.
	ErrCodeTooManyLegs ValidationErrorCode = "TOO_MANY_LEGS"

	// ErrCodeUnknownKind indicates a request that is neither a check nor a transfer.
	ErrCodeUnknownKind ValidationErrorCode = "UNKNOWN_KIND"
)

// ValidationError reports a request rejected before it reaches the queue.
// A rejected request gets no sequence ID and produces no outcome line.
type ValidationError struct {
	Code    ValidationErrorCode
	Message string
	Account AccountID // set for ErrCodeAccountOutOfRange
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError returns true if err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the request against a ledger of numAccounts accounts.
func (r Request) Validate(numAccounts int) error {
	inRange := func(id AccountID) error {
		if id < 0 || int(id) >= numAccounts {
			return &ValidationError{
				Code:    ErrCodeAccountOutOfRange,
				Message: fmt.Sprintf("account %d not in [0,%d)", id, numAccounts),
				Account: id,
			}
		}
		return nil
	}

	switch r.Kind {
	case KindCheck:
		return inRange(r.Account)
	case KindTransfer:
		if len(r.Legs) == 0 {
			return &ValidationError{Code: ErrCodeNoLegs, Message: "transfer has no legs"}
		}
		if len(r.Legs) > MaxLegs {
			return &ValidationError{
				Code:    ErrCodeTooManyLegs,
				Message: fmt.Sprintf("transfer has %d legs, max %d", len(r.Legs), MaxLegs),
			}
		}
		for _, leg := range r.Legs {
			if err := inRange(leg.Account); err != nil {
				return err
			}
		}
		return nil
	default:
		return &ValidationError{
			Code:    ErrCodeUnknownKind,
			Message: fmt.Sprintf("unknown request kind %d", int(r.Kind)),
		}
	}
}
