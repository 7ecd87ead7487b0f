// Package ledger holds the fixed set of bank accounts and the transfer
// protocol that runs against them.
//
// Every account has its own mutex. Workers acquire the accounts a request
// needs with TryAcquire, which is non-blocking and all-or-nothing: on any busy
// lock it releases what it took and reports failure, and the caller retries
// later. Because no goroutine ever waits while holding an account lock, there
// is no lock-ordering deadlock regardless of the order legs are listed in.
//
// Transfers are atomic: the projected balance of every leg is computed first,
// and balances are written only if no projection is negative or overflows.
package ledger
