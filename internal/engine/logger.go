package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/bankserver/internal/ir"
)

// Sink receives one record per completed request, in sequence order.
type Sink interface {
	WriteOutcome(ctx context.Context, rec ir.OutcomeRecord) error
}

// RunRecorder is implemented by sinks that record run metadata. The server
// calls BeginRun once, before the first outcome.
type RunRecorder interface {
	BeginRun(ctx context.Context, run ir.RunInfo) error
}

// OutcomeLogger writes completed requests to its sinks. Writes are mutually
// exclusive. The worker pool calls Log from inside the completion gate, so the
// line order equals sequence order.
type OutcomeLogger struct {
	mu    sync.Mutex
	sinks []Sink
}

// NewOutcomeLogger creates a logger over the given sinks.
func NewOutcomeLogger(sinks ...Sink) *OutcomeLogger {
	return &OutcomeLogger{sinks: sinks}
}

// Log writes rec to every sink. All sinks are attempted; errors are joined.
func (l *OutcomeLogger) Log(ctx context.Context, rec ir.OutcomeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, s := range l.sinks {
		if err := s.WriteOutcome(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("log seq %d: %w", rec.Seq, err))
		}
	}
	return errors.Join(errs...)
}

// BeginRun forwards run metadata to every sink implementing RunRecorder.
func (l *OutcomeLogger) BeginRun(ctx context.Context, run ir.RunInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range l.sinks {
		if rr, ok := s.(RunRecorder); ok {
			if err := rr.BeginRun(ctx, run); err != nil {
				return fmt.Errorf("begin run %s: %w", run.ID, err)
			}
		}
	}
	return nil
}

// FormatLine renders the outcome line for rec, newline included:
//
//	1 BAL 0 TIME 1700000000.000001 1700000000.000002
//	2 ISF 1 TIME ...
//	3 OK TIME ...
func FormatLine(rec ir.OutcomeRecord) string {
	return fmt.Sprintf("%d %s TIME %s %s\n",
		rec.Seq, rec.Outcome.Payload(), FormatStamp(rec.Start), FormatStamp(rec.End))
}

// FormatStamp renders t as <unix seconds>.<microseconds, 6 digits>.
func FormatStamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}

// ParseLine is the inverse of FormatLine. The request, worker and run ID are
// not part of the line and are left zero.
func ParseLine(line string) (ir.OutcomeRecord, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return ir.OutcomeRecord{}, fmt.Errorf("parse line %q: too few fields", line)
	}

	seq, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return ir.OutcomeRecord{}, fmt.Errorf("parse line %q: seq: %w", line, err)
	}
	kind, err := ir.ParseOutcomeKind(fields[1])
	if err != nil {
		return ir.OutcomeRecord{}, fmt.Errorf("parse line %q: %w", line, err)
	}

	rec := ir.OutcomeRecord{Seq: seq, Outcome: ir.Outcome{Kind: kind}}
	rest := fields[2:]
	if kind != ir.OutcomeOK {
		v, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return ir.OutcomeRecord{}, fmt.Errorf("parse line %q: payload: %w", line, err)
		}
		if kind == ir.OutcomeBalance {
			rec.Outcome.Balance = v
		} else {
			rec.Outcome.Account = ir.AccountID(v)
		}
		rest = rest[1:]
	}

	if len(rest) != 3 || rest[0] != "TIME" {
		return ir.OutcomeRecord{}, fmt.Errorf("parse line %q: malformed TIME section", line)
	}
	if rec.Start, err = ParseStamp(rest[1]); err != nil {
		return ir.OutcomeRecord{}, fmt.Errorf("parse line %q: start: %w", line, err)
	}
	if rec.End, err = ParseStamp(rest[2]); err != nil {
		return ir.OutcomeRecord{}, fmt.Errorf("parse line %q: end: %w", line, err)
	}
	return rec, nil
}

// ParseStamp parses a FormatStamp value.
func ParseStamp(s string) (time.Time, error) {
	secStr, usStr, ok := strings.Cut(s, ".")
	if !ok || len(usStr) != 6 {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	us, err := strconv.ParseInt(usStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return time.Unix(sec, us*int64(time.Microsecond)), nil
}

// TextSink writes outcome lines to an io.Writer, flushing after every line so
// the output file is always whole lines.
type TextSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewTextSink wraps w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: bufio.NewWriter(w)}
}

// WriteOutcome implements Sink.
func (s *TextSink) WriteOutcome(_ context.Context, rec ir.OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.WriteString(FormatLine(rec)); err != nil {
		return err
	}
	return s.w.Flush()
}

// RecordingSink keeps every record in memory. Used by the scenario harness and
// tests.
type RecordingSink struct {
	mu      sync.Mutex
	records []ir.OutcomeRecord
}

// WriteOutcome implements Sink.
func (s *RecordingSink) WriteOutcome(_ context.Context, rec ir.OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything written so far.
func (s *RecordingSink) Records() []ir.OutcomeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ir.OutcomeRecord, len(s.records))
	copy(out, s.records)
	return out
}
