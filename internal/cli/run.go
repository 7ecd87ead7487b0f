package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/bankserver/internal/config"
	"github.com/roach88/bankserver/internal/engine"
	"github.com/roach88/bankserver/internal/ingest"
	"github.com/roach88/bankserver/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigFile    string
	Workers       int
	Accounts      int
	Output        string
	Journal       string
	ClaimBackoff  string
	RetryInterval string
	MetricsFile   string
	Balances      []string
	NoPrompt      bool

	// TimeSource and RunIDs override the server defaults (for testing).
	TimeSource engine.TimeSource
	RunIDs     engine.RunIDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [workers accounts output]",
		Short: "Start the server and read requests from stdin",
		Long: `Start a bank server and process requests typed on stdin.

Requests:
  CHECK <account>
  TRANS <account> <delta> [<account> <delta> ...]
  END

Each accepted request is echoed as "< ID n". One outcome line per request is
written to the output file ("-" for stdout) in ID order:

  <id> BAL <balance> TIME <start> <end>
  <id> ISF <account> TIME <start> <end>
  <id> OK TIME <start> <end>

Settings come from defaults, then --config, then the positional arguments,
then flags.

Examples:
  bankserver run 4 10 out.txt
  bankserver run --config bank.yaml --journal bank.db
  bankserver run --accounts 2 --balance 0=100 --output - < requests.txt`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return fmt.Errorf("expected 0 or 3 positional args (workers accounts output), got %d", len(args))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (.yaml, .yml or .cue)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "number of worker threads")
	cmd.Flags().IntVar(&opts.Accounts, "accounts", 0, "number of accounts")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", `outcome file ("-" for stdout)`)
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite outcome journal")
	cmd.Flags().StringVar(&opts.ClaimBackoff, "claim-backoff", "", "max random delay before claiming a request")
	cmd.Flags().StringVar(&opts.RetryInterval, "retry-interval", "", "max wait between claim attempts")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics here on exit")
	cmd.Flags().StringArrayVar(&opts.Balances, "balance", nil, "initial balance as account=amount (repeatable)")
	cmd.Flags().BoolVar(&opts.NoPrompt, "no-prompt", false, `do not print the "> " prompt`)

	return cmd
}

// resolveConfig layers defaults, the config file, positional args and flags.
func resolveConfig(opts *RunOptions, args []string, cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigFile != "" {
		loaded, err := config.Load(opts.ConfigFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if len(args) == 3 {
		workers, err := strconv.Atoi(args[0])
		if err != nil {
			return config.Config{}, fmt.Errorf("workers %q: %w", args[0], err)
		}
		accounts, err := strconv.Atoi(args[1])
		if err != nil {
			return config.Config{}, fmt.Errorf("accounts %q: %w", args[1], err)
		}
		cfg.Workers, cfg.Accounts, cfg.Output = workers, accounts, args[2]
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = opts.Workers
	}
	if flags.Changed("accounts") {
		cfg.Accounts = opts.Accounts
	}
	if flags.Changed("output") {
		cfg.Output = opts.Output
	}
	if flags.Changed("journal") {
		cfg.Journal = opts.Journal
	}
	if flags.Changed("claim-backoff") {
		cfg.ClaimBackoff = opts.ClaimBackoff
	}
	if flags.Changed("retry-interval") {
		cfg.RetryInterval = opts.RetryInterval
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = opts.MetricsFile
	}
	for _, b := range opts.Balances {
		account, amount, err := parseBalance(b)
		if err != nil {
			return config.Config{}, err
		}
		cfg.SetBalance(account, amount)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// parseBalance parses "account=amount".
func parseBalance(s string) (int, int64, error) {
	id, amount, ok := strings.Cut(s, "=")
	if !ok {
		return 0, 0, fmt.Errorf("balance %q: want account=amount", s)
	}
	account, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return 0, 0, fmt.Errorf("balance %q: account: %w", s, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("balance %q: amount: %w", s, err)
	}
	return account, v, nil
}

func runServer(opts *RunOptions, args []string, cmd *cobra.Command) error {
	log := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := resolveConfig(opts, args, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	engCfg, err := cfg.Engine()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	// Replies and stdout outcome lines share one writer.
	stdout := &lockedWriter{w: cmd.OutOrStdout()}

	var sinks []engine.Sink
	if cfg.Output == config.StdoutOutput {
		sinks = append(sinks, engine.NewTextSink(stdout))
	} else {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create output file", err)
		}
		defer func() {
			if closeErr := f.Close(); closeErr != nil {
				log.Error("error closing output file", "error", closeErr)
			}
		}()
		sinks = append(sinks, engine.NewTextSink(f))
	}

	if cfg.Journal != "" {
		log.Info("opening journal", "path", cfg.Journal)
		st, err := store.Open(cfg.Journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				log.Error("error closing journal", "error", closeErr)
			}
		}()
		sinks = append(sinks, st)
	}

	reg := prometheus.NewRegistry()
	serverOpts := []engine.Option{
		engine.WithSinks(sinks...),
		engine.WithRegisterer(reg),
		engine.WithLogger(log),
		engine.WithInitialBalances(cfg.Balances()),
	}
	if opts.TimeSource != nil {
		serverOpts = append(serverOpts, engine.WithTimeSource(opts.TimeSource))
	}
	if opts.RunIDs != nil {
		serverOpts = append(serverOpts, engine.WithRunIDGenerator(opts.RunIDs))
	}
	srv, err := engine.New(engCfg, serverOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create server", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go watchSignals(ctx, sigChan, srv, cancel, log)

	if err := srv.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}

	var sessionOpts []ingest.SessionOption
	sessionOpts = append(sessionOpts, ingest.WithSessionLogger(log))
	if opts.NoPrompt {
		sessionOpts = append(sessionOpts, ingest.WithoutPrompt())
	}
	stats, sessionErr := ingest.NewSession(srv, cmd.InOrStdin(), stdout, sessionOpts...).Run(ctx)

	shutdownCtx, cancelShutdown := shutdownContext(ctx)
	shutdownErr := srv.Shutdown(shutdownCtx)
	cancelShutdown()
	log.Info("session ended",
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"invalid", stats.Invalid,
		"last_completed", srv.Last(),
	)

	if cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.MetricsFile, reg); err != nil {
			log.Error("failed to write metrics", "path", cfg.MetricsFile, "error", err)
		}
	}

	if engine.IsInvariantError(shutdownErr) {
		return WrapExitError(ExitFailure, "server failed", shutdownErr)
	}
	if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", shutdownErr)
	}
	if sessionErr != nil && !errors.Is(sessionErr, context.Canceled) {
		return WrapExitError(ExitFailure, "session error", sessionErr)
	}
	return nil
}

// signalDrainTimeout bounds the wait for workers to stop after a signal.
const signalDrainTimeout = 10 * time.Second

// watchSignals closes the queue and cancels ctx on the first signal, so a
// line typed after the signal is refused instead of accepted and dropped.
func watchSignals(ctx context.Context, sigs <-chan os.Signal, srv interface{ Close() }, cancel context.CancelFunc, log *slog.Logger) {
	select {
	case sig := <-sigs:
		log.Info("received signal, shutting down", "signal", sig)
		srv.Close()
		cancel()
	case <-ctx.Done():
	}
}

// shutdownContext returns the context Shutdown waits under. It never inherits
// ctx's cancellation: a signal stops the workers through ctx, and Shutdown
// must still wait for their in-flight log writes before the sinks close.
// Once ctx is already cancelled the wait is bounded by signalDrainTimeout.
func shutdownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(context.WithoutCancel(ctx))
	}
	return context.WithTimeout(context.WithoutCancel(ctx), signalDrainTimeout)
}

// lockedWriter serializes writes from the session and the stdout sink.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
