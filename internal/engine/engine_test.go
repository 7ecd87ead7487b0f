package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bankserver/internal/ir"
	"github.com/roach88/bankserver/internal/ledger"
	"github.com/roach88/bankserver/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestServer builds a server with a recording sink, a stepping clock and a
// fixed run ID. Extra options override the defaults.
func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *RecordingSink) {
	t.Helper()
	sink := &RecordingSink{}
	base := []Option{
		WithSinks(sink),
		WithTimeSource(testutil.NewSteppingTime(time.Time{}, 0)),
		WithRunIDGenerator(testutil.NewFixedRunID("")),
		WithLogger(quietLogger()),
	}
	s, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return s, sink
}

// runAll starts s, submits reqs in order, closes the queue and waits for the
// drain. It returns the assigned sequence IDs.
func runAll(t *testing.T, s *Server, reqs ...ir.Request) []int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	seqs := make([]int64, 0, len(reqs))
	for _, req := range reqs {
		seq, err := s.Submit(req)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	require.NoError(t, s.Shutdown(ctx))
	return seqs
}

func lines(recs []ir.OutcomeRecord) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = FormatLine(rec)
	}
	return out
}

func TestServer_New_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero workers", Config{Workers: 0, Accounts: 1}},
		{"zero accounts", Config{Workers: 1, Accounts: 0}},
		{"negative backoff", Config{Workers: 1, Accounts: 1, ClaimBackoff: -time.Millisecond}},
		{"negative retry", Config{Workers: 1, Accounts: 1, RetryInterval: -time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, WithLogger(quietLogger()))
			assert.Error(t, err)
		})
	}
}

func TestServer_New_SeedsBalances(t *testing.T) {
	s, _ := newTestServer(t, Config{Workers: 1, Accounts: 3},
		WithInitialBalances(map[ir.AccountID]ir.Amount{0: 100, 2: 7}))

	assert.Equal(t, []int64{100, 0, 7}, s.Balances())
}

func TestServer_New_RejectsBadSeed(t *testing.T) {
	_, err := New(Config{Workers: 1, Accounts: 2},
		WithLogger(quietLogger()),
		WithInitialBalances(map[ir.AccountID]ir.Amount{5: 1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrOutOfRange)

	_, err = New(Config{Workers: 1, Accounts: 2},
		WithLogger(quietLogger()),
		WithInitialBalances(map[ir.AccountID]ir.Amount{0: -1}))
	assert.ErrorIs(t, err, ledger.ErrNegativeBalance)
}

func TestServer_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultRetryInterval, cfg.RetryInterval)
}

func TestServer_ScenarioA_CheckEmptyAccount(t *testing.T) {
	s, sink := newTestServer(t, Config{Workers: 2, Accounts: 1})

	seqs := runAll(t, s, ir.NewCheck(0))

	assert.Equal(t, []int64{1}, seqs)
	// Stamp 0 goes to the run record; the request takes stamps 1 and 2.
	assert.Equal(t, []string{"1 BAL 0 TIME 1700000000.000001 1700000000.000002\n"}, lines(sink.Records()))
	assert.Equal(t, int64(1), s.Last())
}

func TestServer_ScenarioB_InsufficientFunds(t *testing.T) {
	s, sink := newTestServer(t, Config{Workers: 2, Accounts: 2})

	runAll(t, s, ir.NewTransfer(ir.Leg{Account: 0, Delta: 50}, ir.Leg{Account: 1, Delta: -50}))

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ir.InsufficientFunds(1), recs[0].Outcome)
	assert.Equal(t, []int64{0, 0}, s.Balances())
}

func TestServer_ScenarioC_AppliedTransfer(t *testing.T) {
	s, sink := newTestServer(t, Config{Workers: 2, Accounts: 2},
		WithInitialBalances(map[ir.AccountID]ir.Amount{0: 100}))

	runAll(t, s, ir.NewTransfer(ir.Leg{Account: 0, Delta: -50}, ir.Leg{Account: 1, Delta: 50}))

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ir.OK(), recs[0].Outcome)
	assert.Equal(t, []int64{50, 50}, s.Balances())
}

func TestServer_ScenarioD_OutOfRangeRejected(t *testing.T) {
	s, sink := newTestServer(t, Config{Workers: 2, Accounts: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	seq, err := s.Submit(ir.NewCheck(5))
	require.Error(t, err)
	assert.True(t, ir.IsValidationError(err))
	assert.Equal(t, int64(0), seq)

	// The next accepted request still gets ID 1.
	seq, err = s.Submit(ir.NewCheck(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	require.NoError(t, s.Shutdown(ctx))
	assert.Len(t, sink.Records(), 1)
	assert.Equal(t, int64(1), s.Last())
	assert.Equal(t, 1, s.Stats().Submitted)
}

func TestServer_ScenariosInOneRun(t *testing.T) {
	s, sink := newTestServer(t, Config{Workers: 4, Accounts: 2},
		WithInitialBalances(map[ir.AccountID]ir.Amount{0: 100}))

	runAll(t, s,
		ir.NewCheck(1),
		ir.NewTransfer(ir.Leg{Account: 0, Delta: 50}, ir.Leg{Account: 1, Delta: -50}),
		ir.NewTransfer(ir.Leg{Account: 0, Delta: -50}, ir.Leg{Account: 1, Delta: 50}),
	)

	assert.Equal(t, []string{
		"1 BAL 0 TIME 1700000000.000001 1700000000.000002\n",
		"2 ISF 1 TIME 1700000000.000003 1700000000.000004\n",
		"3 OK TIME 1700000000.000005 1700000000.000006\n",
	}, lines(sink.Records()))
	assert.Equal(t, []int64{50, 50}, s.Balances())
}

func TestServer_OverflowLeavesBalances(t *testing.T) {
	s, sink := newTestServer(t, Config{Workers: 1, Accounts: 2},
		WithInitialBalances(map[ir.AccountID]ir.Amount{0: 1 << 62, 1: 1 << 62}))

	runAll(t, s, ir.NewTransfer(
		ir.Leg{Account: 0, Delta: 1 << 62},
		ir.Leg{Account: 1, Delta: -(1 << 62)},
	))

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ir.Overflow(0), recs[0].Outcome)
	assert.Equal(t, []int64{1 << 62, 1 << 62}, s.Balances())
}

func TestServer_SubmitAfterClose(t *testing.T) {
	s, _ := newTestServer(t, Config{Workers: 1, Accounts: 1})
	runAll(t, s)

	_, err := s.Submit(ir.NewCheck(0))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestServer_StartTwice(t *testing.T) {
	s, _ := newTestServer(t, Config{Workers: 1, Accounts: 1})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, s.Shutdown(ctx))
}

func TestServer_WaitBeforeStart(t *testing.T) {
	s, _ := newTestServer(t, Config{Workers: 1, Accounts: 1})
	assert.ErrorIs(t, s.Wait(), ErrNotStarted)
}

func TestServer_ContextCancelStopsIdlePool(t *testing.T) {
	s, _ := newTestServer(t, Config{Workers: 3, Accounts: 1})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx))
	cancel()

	// Nothing was queued, but the queue was never closed either.
	err := s.Wait()
	assert.ErrorIs(t, err, context.Canceled)
}

// failingSink refuses every write.
type failingSink struct{}

func (failingSink) WriteOutcome(context.Context, ir.OutcomeRecord) error {
	return errors.New("disk full")
}

func TestServer_SinkFailureStopsPool(t *testing.T) {
	s, _ := newTestServer(t, Config{Workers: 2, Accounts: 1}, WithSinks(failingSink{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	_, err := s.Submit(ir.NewCheck(0))
	require.NoError(t, err)
	s.Close()

	err = s.Wait()
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, int64(0), s.Last(), "gate must not move past an unlogged request")

	state, ok := s.queue.State(1)
	require.True(t, ok)
	assert.Equal(t, Claimed, state)
}

// panickingSink panics on the first write.
type panickingSink struct{}

func (panickingSink) WriteOutcome(context.Context, ir.OutcomeRecord) error {
	panic("boom")
}

func TestServer_WorkerPanicIsInvariantError(t *testing.T) {
	s, _ := newTestServer(t, Config{Workers: 2, Accounts: 1}, WithSinks(panickingSink{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	_, err := s.Submit(ir.NewCheck(0))
	require.NoError(t, err)
	s.Close()

	err = s.Wait()
	require.Error(t, err)
	assert.True(t, IsInvariantError(err))
	assert.Equal(t, ErrCodeWorkerPanic, InvariantCodeOf(err))
}

func TestServer_RecordsCarryRunAndRequest(t *testing.T) {
	s, sink := newTestServer(t, Config{Workers: 3, Accounts: 2},
		WithRunIDGenerator(NewFixedGenerator("run-xyz")))

	req := ir.NewTransfer(ir.Leg{Account: 0, Delta: 0}, ir.Leg{Account: 1, Delta: 0})
	runAll(t, s, req)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "run-xyz", recs[0].RunID)
	assert.Equal(t, int64(1), recs[0].Request.Seq)
	assert.Equal(t, req.Legs, recs[0].Request.Legs)
	assert.GreaterOrEqual(t, recs[0].Worker, 0)
	assert.Less(t, recs[0].Worker, 3)
	assert.True(t, recs[0].End.After(recs[0].Start))
}

// randomRequests builds a deterministic mix of checks and transfers over
// overlapping accounts, including some that overdraw.
func randomRequests(seed uint64, n, accounts int) []ir.Request {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	reqs := make([]ir.Request, 0, n)
	for i := 0; i < n; i++ {
		if rng.IntN(5) == 0 {
			reqs = append(reqs, ir.NewCheck(ir.AccountID(rng.IntN(accounts))))
			continue
		}
		from := ir.AccountID(rng.IntN(accounts))
		to := ir.AccountID(rng.IntN(accounts))
		amt := ir.Amount(rng.IntN(400))
		legs := []ir.Leg{{Account: from, Delta: -amt}, {Account: to, Delta: amt}}
		if rng.IntN(3) == 0 {
			third := ir.AccountID(rng.IntN(accounts))
			split := amt / 2
			legs = []ir.Leg{{Account: from, Delta: -amt}, {Account: to, Delta: amt - split}, {Account: third, Delta: split}}
		}
		reqs = append(reqs, ir.NewTransfer(legs...))
	}
	return reqs
}

// sequentialOutcomes runs reqs one by one on a private ledger. Under strict
// global ordering a concurrent run must produce exactly these outcomes.
func sequentialOutcomes(t *testing.T, accounts int, seed map[ir.AccountID]ir.Amount, reqs []ir.Request) ([]ir.Outcome, []int64) {
	t.Helper()
	l := ledger.New(accounts)
	for id, v := range seed {
		require.NoError(t, l.Deposit(id, v))
	}

	out := make([]ir.Outcome, 0, len(reqs))
	for _, req := range reqs {
		held, ok := l.TryAcquire(req.Accounts())
		require.True(t, ok)
		var o ir.Outcome
		var err error
		if req.Kind == ir.KindCheck {
			o, err = l.Check(held, req.Account)
		} else {
			o, err = l.Transfer(held, req.Legs)
		}
		held.Release()
		require.NoError(t, err)
		out = append(out, o)
	}
	return out, l.Snapshot()
}

func TestServer_Stress_OrderAtomicityConservation(t *testing.T) {
	const (
		accounts = 6
		requests = 3000
	)
	seed := map[ir.AccountID]ir.Amount{}
	for i := 0; i < accounts; i++ {
		seed[ir.AccountID(i)] = 1000
	}
	reqs := randomRequests(7, requests, accounts)
	want, wantBalances := sequentialOutcomes(t, accounts, seed, reqs)

	for _, workers := range []int{1, 4, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			s, sink := newTestServer(t, Config{Workers: workers, Accounts: accounts},
				WithInitialBalances(seed),
				WithTimeSource(SystemTime{}))

			runAll(t, s, reqs...)

			recs := sink.Records()
			require.Len(t, recs, requests)
			for i, rec := range recs {
				require.Equal(t, int64(i+1), rec.Seq, "records must be in sequence order")
				require.Equal(t, want[i], rec.Outcome, "seq %d", rec.Seq)
			}

			assert.Equal(t, int64(requests), s.Last())
			assert.Equal(t, wantBalances, s.Balances())
			assert.Equal(t, int64(accounts*1000), sumOf(s.Balances()))
			for id, v := range s.Balances() {
				assert.GreaterOrEqual(t, v, int64(0), "account %d", id)
			}

			stats := s.Stats()
			assert.Equal(t, int64(requests), stats.Completed)
			assert.Equal(t, 0, stats.Pending)
			assert.Equal(t, int64(0), stats.Active)
		})
	}
}

func TestServer_Stress_ConcurrentSubmitters(t *testing.T) {
	const (
		accounts   = 4
		submitters = 8
		perSubmit  = 250
	)
	s, sink := newTestServer(t, Config{Workers: 8, Accounts: accounts, ClaimBackoff: 50 * time.Microsecond},
		WithTimeSource(SystemTime{}),
		WithInitialBalances(map[ir.AccountID]ir.Amount{0: 500, 1: 500, 2: 500, 3: 500}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	errs := make(chan error, submitters)
	for g := 0; g < submitters; g++ {
		reqs := randomRequests(uint64(100+g), perSubmit, accounts)
		go func() {
			for _, req := range reqs {
				if _, err := s.Submit(req); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	for g := 0; g < submitters; g++ {
		require.NoError(t, <-errs)
	}

	require.NoError(t, s.Shutdown(ctx), "pool must drain without stalling")

	recs := sink.Records()
	require.Len(t, recs, submitters*perSubmit)
	for i, rec := range recs {
		require.Equal(t, int64(i+1), rec.Seq)
	}
	assert.Equal(t, int64(2000), sumOf(s.Balances()))
}

func TestServer_IndependentInstances(t *testing.T) {
	a, sinkA := newTestServer(t, Config{Workers: 2, Accounts: 1},
		WithInitialBalances(map[ir.AccountID]ir.Amount{0: 10}),
		WithRegisterer(prometheus.NewRegistry()))
	b, sinkB := newTestServer(t, Config{Workers: 2, Accounts: 1},
		WithInitialBalances(map[ir.AccountID]ir.Amount{0: 20}),
		WithRegisterer(prometheus.NewRegistry()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	_, err := b.Submit(ir.NewCheck(0))
	require.NoError(t, err)
	_, err = a.Submit(ir.NewCheck(0))
	require.NoError(t, err)
	_, err = b.Submit(ir.NewCheck(0))
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx))

	require.Len(t, sinkA.Records(), 1)
	require.Len(t, sinkB.Records(), 2)
	assert.Equal(t, ir.Balance(10), sinkA.Records()[0].Outcome)
	assert.Equal(t, ir.Balance(20), sinkB.Records()[1].Outcome)
	assert.Equal(t, int64(1), a.Last())
	assert.Equal(t, int64(2), b.Last())
}

func sumOf(vs []int64) int64 {
	var sum int64
	for _, v := range vs {
		sum += v
	}
	return sum
}
