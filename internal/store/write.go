package store

import (
	"context"
	"fmt"

	"github.com/roach88/bankserver/internal/ir"
)

// BeginRun inserts a run record. Uses ON CONFLICT(id) DO NOTHING, so beginning
// the same run twice is a no-op.
func (s *Store) BeginRun(ctx context.Context, run ir.RunInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, workers, accounts, started_at_us, server_version, record_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Workers,
		run.Accounts,
		toMicros(run.StartedAt),
		ir.ServerVersion,
		ir.RecordVersion,
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// WriteOutcome inserts one outcome record.
// Uses ON CONFLICT DO NOTHING for idempotency - a second write for the same
// (run_id, seq) is silently ignored.
//
// Note: The run referenced by RunID must exist (foreign key constraint).
func (s *Store) WriteOutcome(ctx context.Context, rec ir.OutcomeRecord) error {
	legsJSON, err := marshalLegs(rec.Request.Legs)
	if err != nil {
		return fmt.Errorf("write outcome %d: %w", rec.Seq, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outcomes
		(run_id, seq, request_kind, account, legs, outcome, balance, outcome_account, start_us, end_us, worker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.RunID,
		rec.Seq,
		rec.Request.Kind.String(),
		int(rec.Request.Account),
		legsJSON,
		rec.Outcome.Kind.Tag(),
		rec.Outcome.Balance,
		int(rec.Outcome.Account),
		toMicros(rec.Start),
		toMicros(rec.End),
		rec.Worker,
	)
	if err != nil {
		return fmt.Errorf("write outcome %d: %w", rec.Seq, err)
	}
	return nil
}
