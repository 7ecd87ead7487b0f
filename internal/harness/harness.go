package harness

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/bankserver/internal/engine"
	"github.com/roach88/bankserver/internal/ingest"
	"github.com/roach88/bankserver/internal/ir"
	"github.com/roach88/bankserver/internal/store"
	"github.com/roach88/bankserver/internal/testutil"
)

// DrainTimeout bounds how long Run waits for the workers to finish the queue.
const DrainTimeout = 30 * time.Second

// Run executes a scenario against a fresh server and returns the result.
//
// Steps are fed through an ingest.Session without prompts, exactly as a piped
// terminal would. Every outcome is written both to memory and to an in-memory
// journal; the journal is read back and must match the output lines.
//
// Run returns an error only when the scenario could not be executed at all.
// Failed expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	cfg := engine.DefaultConfig()
	cfg.Workers = scenario.Workers
	cfg.Accounts = scenario.Accounts
	if scenario.ClaimBackoff != "" {
		d, err := time.ParseDuration(scenario.ClaimBackoff)
		if err != nil {
			return nil, fmt.Errorf("claim_backoff: %w", err)
		}
		cfg.ClaimBackoff = d
	}

	journal, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	defer journal.Close()

	balances := make(map[ir.AccountID]ir.Amount, len(scenario.InitialBalances))
	for _, b := range scenario.InitialBalances {
		balances[ir.AccountID(b.Account)] = ir.Amount(b.Balance)
	}

	sink := &engine.RecordingSink{}
	srv, err := engine.New(cfg,
		engine.WithSinks(sink, journal),
		engine.WithTimeSource(testutil.NewSteppingTime(time.Time{}, 0)),
		engine.WithRunIDGenerator(testutil.NewFixedRunID(scenario.RunID)),
		engine.WithInitialBalances(balances),
		engine.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	input := make([]string, len(scenario.Steps))
	for i, step := range scenario.Steps {
		input[i] = step.Request
	}
	var out strings.Builder
	session := ingest.NewSession(srv, strings.NewReader(strings.Join(input, "\n")), &out,
		ingest.WithoutPrompt(),
		ingest.WithSessionLogger(slog.New(slog.DiscardHandler)),
	)
	if _, err := session.Run(ctx); err != nil {
		_ = srv.Shutdown(ctx)
		return nil, fmt.Errorf("session failed: %w", err)
	}

	result := NewResult()
	if err := srv.Shutdown(ctx); err != nil {
		result.AddError(fmt.Sprintf("server stopped with error: %v", err))
	}

	result.Replies = splitLines(out.String())
	records := sink.Records()
	for _, rec := range records {
		result.Lines = append(result.Lines, strings.TrimSuffix(engine.FormatLine(rec), "\n"))
	}
	result.Balances = srv.Balances()
	result.LastCompleted = srv.Last()

	checkSteps(scenario, result, records)
	checkJournal(ctx, journal, srv.RunID(), result)

	for _, a := range scenario.Assertions {
		if err := checkAssertion(a, result); err != nil {
			result.AddError(err.Error())
		}
	}

	return result, nil
}

// checkSteps matches every step's reply and outcome against its expectation.
func checkSteps(scenario *Scenario, result *Result, records []ir.OutcomeRecord) {
	if len(result.Replies) != len(scenario.Steps) {
		result.AddError(fmt.Sprintf("got %d replies for %d steps", len(result.Replies), len(scenario.Steps)))
		return
	}

	bySeq := make(map[int64]ir.OutcomeRecord, len(records))
	for _, rec := range records {
		bySeq[rec.Seq] = rec
	}

	for i, step := range scenario.Steps {
		reply := result.Replies[i]

		if step.Reject != "" {
			want := "< REJECTED " + step.Reject + ":"
			if !strings.HasPrefix(reply, want) {
				result.AddError((&AssertionError{
					Type:     fmt.Sprintf("steps[%d] reject", i),
					Expected: want + " ...",
					Actual:   reply,
				}).Error())
			}
			continue
		}

		id, accepted := strings.CutPrefix(reply, "< ID ")
		seq, err := strconv.ParseInt(id, 10, 64)
		if !accepted || err != nil {
			result.AddError((&AssertionError{
				Type:     fmt.Sprintf("steps[%d] accept", i),
				Expected: "< ID <seq>",
				Actual:   reply,
			}).Error())
			continue
		}
		if step.Expect == "" {
			continue
		}

		rec, ok := bySeq[seq]
		actual := "no outcome"
		if ok {
			actual = rec.Outcome.Payload()
		}
		if actual != step.Expect {
			result.AddError((&AssertionError{
				Type:     fmt.Sprintf("steps[%d] outcome (seq=%d)", i, seq),
				Expected: step.Expect,
				Actual:   actual,
			}).Error())
		}
	}
}

// checkJournal verifies the journal recorded the same lines in the same order.
func checkJournal(ctx context.Context, journal *store.Store, runID string, result *Result) {
	recs, err := journal.ReadOutcomes(ctx, runID)
	if err != nil {
		result.AddError(fmt.Sprintf("read journal: %v", err))
		return
	}

	if len(recs) != len(result.Lines) {
		result.AddError(fmt.Sprintf("journal has %d outcomes, output has %d lines", len(recs), len(result.Lines)))
		return
	}
	for i, rec := range recs {
		line := strings.TrimSuffix(engine.FormatLine(rec), "\n")
		if line != result.Lines[i] {
			result.AddError((&AssertionError{
				Type:     "journal",
				Expected: result.Lines[i],
				Actual:   line,
			}).Error())
		}
	}
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
