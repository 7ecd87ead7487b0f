package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/bankserver/internal/ir"
)

// Ledger errors. None of these are user errors: the engine validates account
// ranges before enqueue, so seeing one here means a core invariant broke.
var (
	ErrOutOfRange      = errors.New("account out of range")
	ErrNotHeld         = errors.New("account lock not held")
	ErrNegativeBalance = errors.New("negative balance observed")
	ErrReleased        = errors.New("locks already released")
	ErrOverflow        = errors.New("balance overflow")
)

type account struct {
	mu      sync.Mutex
	balance int64
}

// Ledger is a fixed array of independently lockable accounts.
//
// Balances are only read or written while the account's lock is held. Workers
// only ever use TryLock; the blocking Lock is reserved for Deposit and
// Snapshot, which take one lock at a time and are used outside the pool.
type Ledger struct {
	accounts []account
}

// New creates a ledger of n accounts, all at balance 0.
func New(n int) *Ledger {
	if n < 0 {
		n = 0
	}
	return &Ledger{accounts: make([]account, n)}
}

// Len returns the number of accounts.
func (l *Ledger) Len() int {
	return len(l.accounts)
}

// Valid reports whether id names an account.
func (l *Ledger) Valid(id ir.AccountID) bool {
	return id >= 0 && int(id) < len(l.accounts)
}

// TryLock attempts to lock one account without blocking.
func (l *Ledger) TryLock(id ir.AccountID) bool {
	if !l.Valid(id) {
		return false
	}
	return l.accounts[id].mu.TryLock()
}

// Unlock releases one account lock.
func (l *Ledger) Unlock(id ir.AccountID) {
	l.accounts[id].mu.Unlock()
}

// Held is a set of account locks acquired together by TryAcquire.
type Held struct {
	l        *Ledger
	ids      []ir.AccountID
	released bool
}

// TryAcquire locks every distinct account in ids, in the order given, without
// blocking. If any lock is busy, every lock taken so far is released and ok is
// false. Nothing ever waits while holding an account lock, so lock ordering
// cannot deadlock.
func (l *Ledger) TryAcquire(ids []ir.AccountID) (held *Held, ok bool) {
	acquired := make([]ir.AccountID, 0, len(ids))
	for _, id := range ids {
		if contains(acquired, id) {
			continue
		}
		if !l.TryLock(id) {
			for i := len(acquired) - 1; i >= 0; i-- {
				l.Unlock(acquired[i])
			}
			return nil, false
		}
		acquired = append(acquired, id)
	}
	return &Held{l: l, ids: acquired}, true
}

// Release unlocks every held account. Calling it twice is a no-op.
func (h *Held) Release() {
	if h.released {
		return
	}
	h.released = true
	for i := len(h.ids) - 1; i >= 0; i-- {
		h.l.Unlock(h.ids[i])
	}
}

// balance reads a held account's balance.
func (h *Held) balance(id ir.AccountID) (int64, error) {
	if h.released {
		return 0, ErrReleased
	}
	if !contains(h.ids, id) {
		return 0, fmt.Errorf("account %d: %w", id, ErrNotHeld)
	}
	v := h.l.accounts[id].balance
	if v < 0 {
		return 0, fmt.Errorf("account %d has %d: %w", id, v, ErrNegativeBalance)
	}
	return v, nil
}

// Check reads the balance of a held account.
func (l *Ledger) Check(h *Held, id ir.AccountID) (ir.Outcome, error) {
	v, err := h.balance(id)
	if err != nil {
		return ir.Outcome{}, err
	}
	return ir.Balance(v), nil
}

// Transfer applies legs to held accounts atomically.
//
// Legs are projected in listed order against a running balance per account, so
// a leg list naming the same account twice accumulates. The first leg whose
// projection goes negative yields InsufficientFunds for that account; the first
// leg whose projection leaves int64 yields Overflow. In both cases no balance
// changes. Otherwise every touched account is written exactly once.
func (l *Ledger) Transfer(h *Held, legs []ir.Leg) (ir.Outcome, error) {
	projected := make(map[ir.AccountID]int64, len(legs))
	order := make([]ir.AccountID, 0, len(legs))

	for _, leg := range legs {
		cur, seen := projected[leg.Account]
		if !seen {
			v, err := h.balance(leg.Account)
			if err != nil {
				return ir.Outcome{}, err
			}
			cur = v
			order = append(order, leg.Account)
		}
		next, ok := addChecked(cur, int64(leg.Delta))
		if !ok {
			return ir.Overflow(leg.Account), nil
		}
		if next < 0 {
			return ir.InsufficientFunds(leg.Account), nil
		}
		projected[leg.Account] = next
	}

	for _, id := range order {
		l.accounts[id].balance = projected[id]
	}
	return ir.OK(), nil
}

// Deposit adds amount to an account using a blocking lock. It is meant for
// seeding balances before workers start.
func (l *Ledger) Deposit(id ir.AccountID, amount ir.Amount) error {
	if !l.Valid(id) {
		return fmt.Errorf("deposit to %d: %w", id, ErrOutOfRange)
	}
	a := &l.accounts[id]
	a.mu.Lock()
	defer a.mu.Unlock()

	next, ok := addChecked(a.balance, int64(amount))
	if !ok {
		return fmt.Errorf("deposit to %d: %w", id, ErrOverflow)
	}
	if next < 0 {
		return fmt.Errorf("deposit to %d leaves %d: %w", id, next, ErrNegativeBalance)
	}
	a.balance = next
	return nil
}

// Snapshot returns every balance, locking one account at a time. The result is
// only a consistent cut when no transfer is in flight.
func (l *Ledger) Snapshot() []int64 {
	out := make([]int64, len(l.accounts))
	for i := range l.accounts {
		a := &l.accounts[i]
		a.mu.Lock()
		out[i] = a.balance
		a.mu.Unlock()
	}
	return out
}

// Total returns the sum of a Snapshot.
func (l *Ledger) Total() int64 {
	var sum int64
	for _, v := range l.Snapshot() {
		sum += v
	}
	return sum
}

// addChecked returns a+b and false if the sum leaves int64.
func addChecked(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

func contains(ids []ir.AccountID, id ir.AccountID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
