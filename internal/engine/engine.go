package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/bankserver/internal/ir"
	"github.com/roach88/bankserver/internal/ledger"
)

// DefaultRetryInterval bounds how long a worker waits after a failed claim
// attempt before scanning again.
const DefaultRetryInterval = time.Millisecond

// Config sizes a Server.
type Config struct {
	// Workers is the number of worker goroutines. Must be at least 1.
	Workers int

	// Accounts is the number of ledger accounts. Valid IDs are [0, Accounts).
	Accounts int

	// ClaimBackoff is the upper bound of the random delay taken before each
	// claim attempt. Zero disables it.
	ClaimBackoff time.Duration

	// RetryInterval bounds the wait after a failed attempt. Zero means
	// DefaultRetryInterval.
	RetryInterval time.Duration
}

// DefaultConfig returns a single-account, single-worker config with no
// claim backoff.
func DefaultConfig() Config {
	return Config{
		Workers:       1,
		Accounts:      1,
		RetryInterval: DefaultRetryInterval,
	}
}

// Validate checks the config for values New cannot run with.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Accounts < 1 {
		return fmt.Errorf("accounts must be at least 1, got %d", c.Accounts)
	}
	if c.ClaimBackoff < 0 {
		return fmt.Errorf("claim backoff must not be negative, got %s", c.ClaimBackoff)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("retry interval must not be negative, got %s", c.RetryInterval)
	}
	return nil
}

type options struct {
	sinks    []Sink
	now      TimeSource
	runIDs   RunIDGenerator
	reg      prometheus.Registerer
	log      *slog.Logger
	balances map[ir.AccountID]ir.Amount
}

// Option configures a Server.
type Option func(*options)

// WithSinks sets where outcome records go. Without it outcomes are computed but
// not written anywhere.
func WithSinks(sinks ...Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, sinks...)
	}
}

// WithTimeSource sets the wall clock used for outcome stamps.
func WithTimeSource(ts TimeSource) Option {
	return func(o *options) {
		o.now = ts
	}
}

// WithRunIDGenerator sets the run ID generator. Default: UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(o *options) {
		o.runIDs = g
	}
}

// WithRegisterer registers the server's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithLogger sets the diagnostic logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithInitialBalances seeds account balances before any request runs.
func WithInitialBalances(balances map[ir.AccountID]ir.Amount) Option {
	return func(o *options) {
		if o.balances == nil {
			o.balances = make(map[ir.AccountID]ir.Amount, len(balances))
		}
		for id, v := range balances {
			o.balances[id] = v
		}
	}
}

// Server owns one run: the ledger, the request queue, the completion gate,
// the outcome logger and the worker pool.
//
// Thread-safety model:
//   - Submit, Close, Last, Balances, Stats: safe from any goroutine
//   - Start: once
//   - Wait, Shutdown: any goroutine, after Start
//
// Servers share no state, so several can run in one process.
type Server struct {
	cfg     Config
	log     *slog.Logger
	ledger  *ledger.Ledger
	queue   *RequestQueue
	gate    *CompletionGate
	logger  *OutcomeLogger
	now     TimeSource
	runID   string
	metrics *Metrics
	pool    *WorkerPool

	mu      sync.Mutex
	started bool
	done    chan struct{}
	err     error
}

// New builds a server. Initial balances are applied here, so a bad seed fails
// before anything runs.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	o := options{
		now:    SystemTime{},
		runIDs: UUIDv7Generator{},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	l := ledger.New(cfg.Accounts)
	for id, v := range o.balances {
		if err := l.Deposit(id, v); err != nil {
			return nil, fmt.Errorf("seed balances: %w", err)
		}
	}

	s := &Server{
		cfg:     cfg,
		ledger:  l,
		queue:   NewRequestQueue(),
		gate:    NewCompletionGate(),
		logger:  NewOutcomeLogger(o.sinks...),
		now:     o.now,
		runID:   o.runIDs.Generate(),
		metrics: NewMetrics(o.reg),
		done:    make(chan struct{}),
	}
	s.log = o.log.With("run_id", s.runID)
	s.pool = newWorkerPool(s, cfg.Workers)
	return s, nil
}

// Start records the run on every sink and launches the workers. It returns
// once the workers are running; Wait reports how they finished.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	run := ir.RunInfo{
		ID:        s.runID,
		Workers:   s.cfg.Workers,
		Accounts:  s.cfg.Accounts,
		StartedAt: s.now.Now(),
	}
	if err := s.logger.BeginRun(ctx, run); err != nil {
		return err
	}
	s.started = true

	s.log.Info("server starting", "workers", s.cfg.Workers, "accounts", s.cfg.Accounts)
	go func() {
		err := s.pool.Run(ctx)
		if err != nil {
			s.log.Error("server stopped", "error", err, "last_completed", s.gate.Last())
		} else {
			s.log.Info("server stopped", "last_completed", s.gate.Last(), "total_balance", s.ledger.Total())
		}
		s.err = err
		close(s.done)
	}()
	return nil
}

// Submit validates req, stamps it with the next sequence ID and queues it.
// A rejected request gets no ID and changes nothing.
func (s *Server) Submit(req ir.Request) (int64, error) {
	if err := req.Validate(s.cfg.Accounts); err != nil {
		s.metrics.Rejected.Inc()
		s.log.Debug("request rejected", "request", req.String(), "error", err)
		return 0, err
	}

	seq, err := s.queue.Append(req)
	if err != nil {
		return 0, err
	}
	s.metrics.Submitted.Inc()
	s.metrics.Pending.Set(float64(s.queue.Pending()))
	return seq, nil
}

// Close stops accepting requests. Workers finish everything already queued and
// then exit.
func (s *Server) Close() {
	s.queue.Close()
}

// Wait blocks until the workers exit and returns the first worker error.
func (s *Server) Wait() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	<-s.done
	return s.err
}

// Shutdown closes the queue and waits for the drain, giving up when ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the sequence ID of the last completed request.
func (s *Server) Last() int64 { return s.gate.Last() }

// Balances returns every account balance. Consistent once the server is idle.
func (s *Server) Balances() []int64 { return s.ledger.Snapshot() }

// Stats returns worker pool statistics.
func (s *Server) Stats() PoolStats { return s.pool.Stats() }

// RunID returns the ID stamped on every record of this run.
func (s *Server) RunID() string { return s.runID }

// Accounts returns the number of ledger accounts.
func (s *Server) Accounts() int { return s.cfg.Accounts }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) execute(held *ledger.Held, req ir.Request) (ir.Outcome, error) {
	switch req.Kind {
	case ir.KindCheck:
		return s.ledger.Check(held, req.Account)
	case ir.KindTransfer:
		return s.ledger.Transfer(held, req.Legs)
	default:
		return ir.Outcome{}, fmt.Errorf("unknown request kind %v", req.Kind)
	}
}
