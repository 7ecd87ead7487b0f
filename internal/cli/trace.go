package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/bankserver/internal/engine"
	"github.com/roach88/bankserver/internal/ir"
	"github.com/roach88/bankserver/internal/store"
)

// LatestRun selects the most recently started run.
const LatestRun = "latest"

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - empty lists runs
	Outcome  string // optional - filter to one outcome tag
}

// RunSummary is one journal run in the run listing.
type RunSummary struct {
	ID        string         `json:"id"`
	Workers   int            `json:"workers"`
	Accounts  int            `json:"accounts"`
	StartedAt string         `json:"started_at"`
	Outcomes  map[string]int `json:"outcomes"`
	Total     int            `json:"total"`
}

// TraceResult holds one run's outcomes.
type TraceResult struct {
	Run      RunSummary     `json:"run"`
	Outcomes []TraceOutcome `json:"outcomes"`
}

// TraceOutcome is one journaled request with its outcome line.
type TraceOutcome struct {
	Seq     int64  `json:"seq"`
	Request string `json:"request"`
	Outcome string `json:"outcome"`
	Worker  int    `json:"worker"`
	Line    string `json:"line"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect an outcome journal",
		Long: `Inspect the SQLite journal written by "bankserver run --journal".

Without --run, lists every recorded run with its outcome counts.
With --run, prints that run's outcome lines in ID order, exactly as they
were written to the output file. --run latest selects the newest run.

Examples:
  bankserver trace --db ./bank.db
  bankserver trace --db ./bank.db --run latest
  bankserver trace --db ./bank.db --run 0192f0c4-... --outcome ISF
  bankserver trace --db ./bank.db --run latest --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", `run ID to print, or "latest"`)
	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "filter to one outcome tag (BAL, ISF, OK, OVF)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Outcome != "" {
		if _, err := ir.ParseOutcomeKind(opts.Outcome); err != nil {
			return WrapExitError(ExitCommandError, "invalid --outcome", err)
		}
	}

	// Open would create an empty journal.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	if opts.RunID == "" {
		return listRuns(ctx, st, opts, cmd)
	}

	var run ir.RunInfo
	if opts.RunID == LatestRun {
		run, err = st.LatestRun(ctx)
	} else {
		run, err = st.ReadRun(ctx, opts.RunID)
	}
	if errors.Is(err, store.ErrRunNotFound) {
		f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
		if outErr := f.Error("E_RUN_NOT_FOUND", fmt.Sprintf("no run %q in %s", opts.RunID, opts.Database), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "run not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	summary, err := summarize(ctx, st, run)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count outcomes", err)
	}
	recs, err := st.ReadOutcomes(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outcomes", err)
	}

	result := TraceResult{Run: summary, Outcomes: []TraceOutcome{}}
	for _, rec := range recs {
		if opts.Outcome != "" && rec.Outcome.Kind.Tag() != opts.Outcome {
			continue
		}
		result.Outcomes = append(result.Outcomes, TraceOutcome{
			Seq:     rec.Seq,
			Request: rec.Request.String(),
			Outcome: rec.Outcome.Payload(),
			Worker:  rec.Worker,
			Line:    strings.TrimSuffix(engine.FormatLine(rec), "\n"),
		})
	}

	if opts.Format == "json" {
		return (&OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}).Success(result)
	}

	w := cmd.OutOrStdout()
	if opts.Verbose {
		fmt.Fprintf(w, "# run %s (%d workers, %d accounts)\n", run.ID, run.Workers, run.Accounts)
	}
	for _, o := range result.Outcomes {
		if opts.Verbose {
			fmt.Fprintf(w, "%s  # %s worker=%d\n", o.Line, o.Request, o.Worker)
			continue
		}
		fmt.Fprintln(w, o.Line)
	}
	return nil
}

func listRuns(ctx context.Context, st *store.Store, opts *TraceOptions, cmd *cobra.Command) error {
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		s, err := summarize(ctx, st, run)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count outcomes", err)
		}
		summaries = append(summaries, s)
	}

	if opts.Format == "json" {
		return (&OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}).Success(summaries)
	}

	w := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "%s  started=%s workers=%d accounts=%d outcomes=%d%s\n",
			s.ID, s.StartedAt, s.Workers, s.Accounts, s.Total, formatCounts(s.Outcomes))
	}
	return nil
}

func summarize(ctx context.Context, st *store.Store, run ir.RunInfo) (RunSummary, error) {
	counts, err := st.CountOutcomes(ctx, run.ID)
	if err != nil {
		return RunSummary{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return RunSummary{
		ID:        run.ID,
		Workers:   run.Workers,
		Accounts:  run.Accounts,
		StartedAt: engine.FormatStamp(run.StartedAt),
		Outcomes:  counts,
		Total:     total,
	}, nil
}

// formatCounts renders counts as " BAL=1 ISF=2", tags sorted.
func formatCounts(counts map[string]int) string {
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var b strings.Builder
	for _, tag := range tags {
		fmt.Fprintf(&b, " %s=%d", tag, counts[tag])
	}
	return b.String()
}
