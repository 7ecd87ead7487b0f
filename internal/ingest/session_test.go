package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bankserver/internal/engine"
	"github.com/roach88/bankserver/internal/ir"
)

// fakeSubmitter numbers requests from 1 and rejects accounts >= accounts.
type fakeSubmitter struct {
	accounts int
	next     int64
	got      []ir.Request
	err      error
	mu       sync.Mutex
}

func (f *fakeSubmitter) Submit(req ir.Request) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if err := req.Validate(f.accounts); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.got = append(f.got, req)
	return f.next, nil
}

func (f *fakeSubmitter) snapshot() []ir.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ir.Request(nil), f.got...)
}

func quiet() SessionOption {
	return WithSessionLogger(slog.New(slog.DiscardHandler))
}

func TestSession_Transcript(t *testing.T) {
	sub := &fakeSubmitter{accounts: 3}
	in := strings.NewReader("CHECK 0\nWITHDRAW 1\nTRANS 0 -5 1 5\nCHECK 5\nEND\nCHECK 1\n")
	var out bytes.Buffer

	stats, err := NewSession(sub, in, &out, quiet()).Run(context.Background())
	require.NoError(t, err)

	want := "> < ID 1\n" +
		"> Please enter a valid request.\n" +
		"> < ID 2\n" +
		"> < REJECTED ACCOUNT_OUT_OF_RANGE: account 5 not in [0,3)\n" +
		"> "
	assert.Equal(t, want, out.String())
	assert.Equal(t, SessionStats{Accepted: 2, Rejected: 1, Invalid: 1}, stats)
	assert.Len(t, sub.got, 2, "lines after END must not be read")
}

func TestSession_EOFActsAsEnd(t *testing.T) {
	sub := &fakeSubmitter{accounts: 1}
	var out bytes.Buffer

	stats, err := NewSession(sub, strings.NewReader("CHECK 0"), &out, WithoutPrompt(), quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "< ID 1\n", out.String())
	assert.Equal(t, 1, stats.Accepted)
}

func TestSession_SubmitterClosed(t *testing.T) {
	sub := &fakeSubmitter{accounts: 1, err: engine.ErrQueueClosed}
	var out bytes.Buffer

	_, err := NewSession(sub, strings.NewReader("CHECK 0\n"), &out, WithoutPrompt(), quiet()).Run(context.Background())
	assert.ErrorIs(t, err, engine.ErrQueueClosed)
}

func TestSession_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSession(&fakeSubmitter{accounts: 1}, strings.NewReader("CHECK 0\n"), &bytes.Buffer{}, quiet()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_CancelWhileWaitingForInput(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	sub := &fakeSubmitter{accounts: 1}
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := NewSession(sub, pr, &out, WithoutPrompt(), quiet()).Run(ctx)
		done <- err
	}()

	_, err := io.WriteString(pw, "CHECK 0\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sub.snapshot()) == 1 }, 5*time.Second, time.Millisecond)

	// Run is now blocked waiting for the next line.
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, sub.snapshot(), 1, "nothing submitted after cancel")
}

func TestSession_QueueClosedAfterCancelIsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &cancellingSubmitter{cancel: cancel}
	var out bytes.Buffer

	_, err := NewSession(sub, strings.NewReader("CHECK 0\n"), &out, WithoutPrompt(), quiet()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.String(), "no ID for a request that was not queued")
}

// cancellingSubmitter simulates a shutdown racing the session: the queue
// closes and the context is cancelled while a request is being submitted.
type cancellingSubmitter struct {
	cancel context.CancelFunc
}

func (c *cancellingSubmitter) Submit(ir.Request) (int64, error) {
	c.cancel()
	return 0, engine.ErrQueueClosed
}

func TestSession_OverlongLineIsInvalid(t *testing.T) {
	sub := &fakeSubmitter{accounts: 2}
	in := strings.NewReader(strings.Repeat("9", 70000) + "\nCHECK 0\n" +
		"CHECK " + strings.Repeat("0", MaxLineLength) + "\nCHECK 1\n")
	var out bytes.Buffer

	stats, err := NewSession(sub, in, &out, WithoutPrompt(), quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InvalidReply+"\n< ID 1\n"+InvalidReply+"\n< ID 2\n", out.String())
	assert.Equal(t, SessionStats{Accepted: 2, Invalid: 2}, stats)
}

func TestSession_LineAtLimitIsParsed(t *testing.T) {
	sub := &fakeSubmitter{accounts: 1}
	line := "CHECK " + strings.Repeat("0", MaxLineLength-len("CHECK "))
	require.Len(t, line, MaxLineLength)

	var out bytes.Buffer
	_, err := NewSession(sub, strings.NewReader(line+"\r\n"), &out, WithoutPrompt(), quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "< ID 1\n", out.String())
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestSession_WriteError(t *testing.T) {
	_, err := NewSession(&fakeSubmitter{accounts: 1}, strings.NewReader("CHECK 0\n"), brokenWriter{}, quiet()).Run(context.Background())
	assert.ErrorContains(t, err, "closed pipe")
}

func TestSession_DrivesServer(t *testing.T) {
	sink := &engine.RecordingSink{}
	srv, err := engine.New(engine.Config{Workers: 3, Accounts: 2},
		engine.WithSinks(sink),
		engine.WithLogger(slog.New(slog.DiscardHandler)),
		engine.WithInitialBalances(map[ir.AccountID]ir.Amount{0: 100}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx))

	in := strings.NewReader("CHECK 1\nTRANS 0 50 1 -50\nTRANS 0 -50 1 50\nCHECK 9\nEND\n")
	var out bytes.Buffer
	stats, err := NewSession(srv, in, &out, WithoutPrompt(), quiet()).Run(ctx)
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(ctx))

	assert.Equal(t, SessionStats{Accepted: 3, Rejected: 1}, stats)
	assert.True(t, strings.HasPrefix(out.String(), "< ID 1\n< ID 2\n< ID 3\n< REJECTED "))

	recs := sink.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, ir.Balance(0), recs[0].Outcome)
	assert.Equal(t, ir.InsufficientFunds(1), recs[1].Outcome)
	assert.Equal(t, ir.OK(), recs[2].Outcome)
	assert.Equal(t, []int64{50, 50}, srv.Balances())
}
