package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/bankserver/internal/ir"
)

// ErrRunNotFound is returned when a run ID has no record.
var ErrRunNotFound = errors.New("run not found")

// ReadRun returns the record of one run.
func (s *Store) ReadRun(ctx context.Context, runID string) (ir.RunInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workers, accounts, started_at_us
		FROM runs
		WHERE id = ?
	`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RunInfo{}, fmt.Errorf("read run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return ir.RunInfo{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns every recorded run, oldest first.
//
// Returns an empty slice (not nil) if no runs exist.
func (s *Store) ListRuns(ctx context.Context) ([]ir.RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workers, accounts, started_at_us
		FROM runs
		ORDER BY started_at_us ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []ir.RunInfo{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (ir.RunInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workers, accounts, started_at_us
		FROM runs
		ORDER BY started_at_us DESC, id COLLATE BINARY DESC
		LIMIT 1
	`)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RunInfo{}, fmt.Errorf("latest run: %w", ErrRunNotFound)
	}
	if err != nil {
		return ir.RunInfo{}, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// ReadOutcomes returns every outcome of a run in sequence order.
//
// Returns an empty slice (not nil) if the run has no outcomes.
func (s *Store) ReadOutcomes(ctx context.Context, runID string) ([]ir.OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, request_kind, account, legs, outcome, balance, outcome_account, start_us, end_us, worker
		FROM outcomes
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	recs := []ir.OutcomeRecord{}
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return recs, nil
}

// CountOutcomes returns the number of outcomes per tag (BAL, ISF, OK, OVF)
// for a run. Tags with no outcomes are absent.
func (s *Store) CountOutcomes(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*)
		FROM outcomes
		WHERE run_id = ?
		GROUP BY outcome
		ORDER BY outcome ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[tag] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return counts, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (ir.RunInfo, error) {
	var run ir.RunInfo
	var startedUS int64
	if err := row.Scan(&run.ID, &run.Workers, &run.Accounts, &startedUS); err != nil {
		return ir.RunInfo{}, err
	}
	run.StartedAt = fromMicros(startedUS)
	return run, nil
}

func scanOutcome(row scanner) (ir.OutcomeRecord, error) {
	var (
		rec                     ir.OutcomeRecord
		kind, legsJSON, tag     string
		account, outcomeAccount int
		startUS, endUS          int64
	)
	err := row.Scan(
		&rec.RunID,
		&rec.Seq,
		&kind,
		&account,
		&legsJSON,
		&tag,
		&rec.Outcome.Balance,
		&outcomeAccount,
		&startUS,
		&endUS,
		&rec.Worker,
	)
	if err != nil {
		return ir.OutcomeRecord{}, fmt.Errorf("scan outcome: %w", err)
	}

	if rec.Request.Kind, err = parseRequestKind(kind); err != nil {
		return ir.OutcomeRecord{}, fmt.Errorf("scan outcome %d: %w", rec.Seq, err)
	}
	if rec.Request.Legs, err = unmarshalLegs(legsJSON); err != nil {
		return ir.OutcomeRecord{}, fmt.Errorf("scan outcome %d: %w", rec.Seq, err)
	}
	if rec.Outcome.Kind, err = ir.ParseOutcomeKind(tag); err != nil {
		return ir.OutcomeRecord{}, fmt.Errorf("scan outcome %d: %w", rec.Seq, err)
	}
	rec.Request.Seq = rec.Seq
	rec.Request.Account = ir.AccountID(account)
	rec.Outcome.Account = ir.AccountID(outcomeAccount)
	rec.Start = fromMicros(startUS)
	rec.End = fromMicros(endUS)
	return rec, nil
}
