package ir

import (
	"fmt"
	"strings"
	"time"
)

// AccountID identifies an account in the ledger. Valid IDs are in [0, N).
type AccountID int

// Amount is a signed balance change in whole units.
type Amount int64

// MaxLegs bounds the number of legs in a single transfer.
const MaxLegs = 10

// RequestKind distinguishes request variants.
type RequestKind int

const (
	// KindCheck reads the balance of one account.
	KindCheck RequestKind = iota + 1
	// KindTransfer applies a set of deltas atomically.
	KindTransfer
)

func (k RequestKind) String() string {
	switch k {
	case KindCheck:
		return "check"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Leg is one (account, delta) pair of a transfer.
type Leg struct {
	Account AccountID `json:"account"`
	Delta   Amount    `json:"delta"`
}

// Request is a balance check or a multi-account transfer.
//
// Seq is zero until the request queue stamps it. After that the request is
// treated as immutable; the queue hands out copies only.
type Request struct {
	Seq     int64       `json:"seq"`
	Kind    RequestKind `json:"kind"`
	Account AccountID   `json:"account,omitempty"` // KindCheck only
	Legs    []Leg       `json:"legs,omitempty"`    // KindTransfer only
}

// NewCheck builds a balance check for one account.
func NewCheck(id AccountID) Request {
	return Request{Kind: KindCheck, Account: id}
}

// NewTransfer builds a transfer from legs in the order given.
// The legs slice is copied.
func NewTransfer(legs ...Leg) Request {
	cp := make([]Leg, len(legs))
	copy(cp, legs)
	return Request{Kind: KindTransfer, Legs: cp}
}

// Accounts returns the distinct accounts the request touches, in the order
// they first appear.
func (r Request) Accounts() []AccountID {
	if r.Kind == KindCheck {
		return []AccountID{r.Account}
	}
	ids := make([]AccountID, 0, len(r.Legs))
	seen := make(map[AccountID]bool, len(r.Legs))
	for _, leg := range r.Legs {
		if seen[leg.Account] {
			continue
		}
		seen[leg.Account] = true
		ids = append(ids, leg.Account)
	}
	return ids
}

// String renders the request in the ingestion syntax.
func (r Request) String() string {
	switch r.Kind {
	case KindCheck:
		return fmt.Sprintf("CHECK %d", r.Account)
	case KindTransfer:
		var b strings.Builder
		b.WriteString("TRANS")
		for _, leg := range r.Legs {
			fmt.Fprintf(&b, " %d %d", leg.Account, leg.Delta)
		}
		return b.String()
	default:
		return "UNKNOWN"
	}
}

// OutcomeKind tags the result of a completed request.
type OutcomeKind int

const (
	// OutcomeBalance carries the balance read by a check.
	OutcomeBalance OutcomeKind = iota + 1
	// OutcomeInsufficientFunds reports the first account a transfer would overdraw.
	OutcomeInsufficientFunds
	// OutcomeOK reports an applied transfer.
	OutcomeOK
	// OutcomeOverflow reports the first account whose balance would exceed int64.
	OutcomeOverflow
)

// Tag returns the log tag for the outcome kind.
func (k OutcomeKind) Tag() string {
	switch k {
	case OutcomeBalance:
		return "BAL"
	case OutcomeInsufficientFunds:
		return "ISF"
	case OutcomeOK:
		return "OK"
	case OutcomeOverflow:
		return "OVF"
	default:
		return "UNKNOWN"
	}
}

func (k OutcomeKind) String() string { return k.Tag() }

// ParseOutcomeKind is the inverse of Tag.
func ParseOutcomeKind(tag string) (OutcomeKind, error) {
	switch tag {
	case "BAL":
		return OutcomeBalance, nil
	case "ISF":
		return OutcomeInsufficientFunds, nil
	case "OK":
		return OutcomeOK, nil
	case "OVF":
		return OutcomeOverflow, nil
	default:
		return 0, fmt.Errorf("unknown outcome tag %q", tag)
	}
}

// Outcome is the deterministic result of a request.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Balance int64       `json:"balance,omitempty"` // OutcomeBalance
	Account AccountID   `json:"account,omitempty"` // OutcomeInsufficientFunds, OutcomeOverflow
}

// Balance returns a BAL outcome.
func Balance(v int64) Outcome { return Outcome{Kind: OutcomeBalance, Balance: v} }

// InsufficientFunds returns an ISF outcome naming the offending account.
func InsufficientFunds(id AccountID) Outcome {
	return Outcome{Kind: OutcomeInsufficientFunds, Account: id}
}

// OK returns an OK outcome.
func OK() Outcome { return Outcome{Kind: OutcomeOK} }

// Overflow returns an OVF outcome naming the offending account.
func Overflow(id AccountID) Outcome { return Outcome{Kind: OutcomeOverflow, Account: id} }

// Payload renders the tag and its payload, e.g. "BAL 10", "ISF 1", "OK".
func (o Outcome) Payload() string {
	switch o.Kind {
	case OutcomeBalance:
		return fmt.Sprintf("BAL %d", o.Balance)
	case OutcomeInsufficientFunds, OutcomeOverflow:
		return fmt.Sprintf("%s %d", o.Kind.Tag(), o.Account)
	default:
		return o.Kind.Tag()
	}
}

// OutcomeRecord is one completed request as written to every sink.
type OutcomeRecord struct {
	RunID   string    `json:"run_id"`
	Seq     int64     `json:"seq"`
	Request Request   `json:"request"`
	Outcome Outcome   `json:"outcome"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Worker  int       `json:"worker"`
}

// RunInfo describes one server run. Sinks that keep history record it before
// the first outcome.
type RunInfo struct {
	ID        string    `json:"id"`
	Workers   int       `json:"workers"`
	Accounts  int       `json:"accounts"`
	StartedAt time.Time `json:"started_at"`
}
