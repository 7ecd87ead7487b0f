package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/bankserver/internal/ir"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates a run record with fixed fields.
func createTestRun(id string, startedSec int64) ir.RunInfo {
	return ir.RunInfo{
		ID:        id,
		Workers:   4,
		Accounts:  3,
		StartedAt: time.Unix(startedSec, 0),
	}
}

// createTestOutcome creates an outcome record for a transfer from 0 to 1.
func createTestOutcome(runID string, seq int64, outcome ir.Outcome) ir.OutcomeRecord {
	req := ir.NewTransfer(ir.Leg{Account: 0, Delta: -5}, ir.Leg{Account: 1, Delta: 5})
	req.Seq = seq
	return ir.OutcomeRecord{
		RunID:   runID,
		Seq:     seq,
		Request: req,
		Outcome: outcome,
		Start:   time.UnixMicro(1700000000000000 + 2*seq - 1),
		End:     time.UnixMicro(1700000000000000 + 2*seq),
		Worker:  int(seq % 2),
	}
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan index: %v", err)
		}
		names = append(names, name)
	}
	return names
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
