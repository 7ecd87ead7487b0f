package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/bankserver/internal/engine"
	"github.com/roach88/bankserver/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// StdoutOutput is the Output value that sends outcome lines to stdout.
const StdoutOutput = "-"

// ErrInvalid wraps every schema or value error reported by Validate.
var ErrInvalid = errors.New("invalid config")

// ErrUnsupportedFormat is returned by Load for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Balance seeds one account.
type Balance struct {
	Account int   `yaml:"account" json:"account"`
	Balance int64 `yaml:"balance" json:"balance"`
}

// Config is the on-disk configuration of a run. Durations are Go duration
// strings ("1ms", "250us").
type Config struct {
	Workers         int       `yaml:"workers" json:"workers"`
	Accounts        int       `yaml:"accounts" json:"accounts"`
	Output          string    `yaml:"output" json:"output"`
	Journal         string    `yaml:"journal,omitempty" json:"journal,omitempty"`
	ClaimBackoff    string    `yaml:"claim_backoff" json:"claim_backoff"`
	RetryInterval   string    `yaml:"retry_interval" json:"retry_interval"`
	MetricsFile     string    `yaml:"metrics_file,omitempty" json:"metrics_file,omitempty"`
	InitialBalances []Balance `yaml:"initial_balances,omitempty" json:"initial_balances,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Workers:       4,
		Accounts:      10,
		Output:        StdoutOutput,
		ClaimBackoff:  "0s",
		RetryInterval: engine.DefaultRetryInterval.String(),
	}
}

// Load reads a .yaml/.yml or .cue file. YAML files overlay Default() and
// reject unknown keys; CUE files are unified with the schema, so omitted
// fields take the schema defaults. The result is validated.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = parseYAML(data)
	case ".cue":
		cfg, err = parseCUE(data, path)
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func parseYAML(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// An empty document leaves the defaults.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func parseCUE(data []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	def, err := schema(ctx)
	if err != nil {
		return Config{}, err
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	merged := def.Unify(v)
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	var cfg Config
	if err := merged.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// schema compiles the embedded #Config definition.
func schema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile config schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath("#Config")), nil
}

// Validate checks c against the #Config schema, then checks what the schema
// cannot express: seeded accounts must exist and appear once.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	def, err := schema(ctx)
	if err != nil {
		return err
	}

	v := def.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	seen := make(map[int]bool, len(c.InitialBalances))
	for _, b := range c.InitialBalances {
		if b.Account >= c.Accounts {
			return fmt.Errorf("%w: initial balance for account %d, have %d accounts", ErrInvalid, b.Account, c.Accounts)
		}
		if seen[b.Account] {
			return fmt.Errorf("%w: account %d seeded twice", ErrInvalid, b.Account)
		}
		seen[b.Account] = true
	}

	if _, err := c.Engine(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Engine converts c to an engine.Config.
func (c Config) Engine() (engine.Config, error) {
	backoff, err := time.ParseDuration(c.ClaimBackoff)
	if err != nil {
		return engine.Config{}, fmt.Errorf("claim_backoff: %w", err)
	}
	retry, err := time.ParseDuration(c.RetryInterval)
	if err != nil {
		return engine.Config{}, fmt.Errorf("retry_interval: %w", err)
	}
	return engine.Config{
		Workers:       c.Workers,
		Accounts:      c.Accounts,
		ClaimBackoff:  backoff,
		RetryInterval: retry,
	}, nil
}

// Balances returns the initial balances keyed by account.
func (c Config) Balances() map[ir.AccountID]ir.Amount {
	out := make(map[ir.AccountID]ir.Amount, len(c.InitialBalances))
	for _, b := range c.InitialBalances {
		out[ir.AccountID(b.Account)] = ir.Amount(b.Balance)
	}
	return out
}

// SetBalance adds or replaces the seed for one account.
func (c *Config) SetBalance(account int, balance int64) {
	for i := range c.InitialBalances {
		if c.InitialBalances[i].Account == account {
			c.InitialBalances[i].Balance = balance
			return
		}
	}
	c.InitialBalances = append(c.InitialBalances, Balance{Account: account, Balance: balance})
}
