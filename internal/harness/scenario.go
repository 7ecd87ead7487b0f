package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/bankserver/internal/config"
	"github.com/roach88/bankserver/internal/ingest"
	"github.com/roach88/bankserver/internal/ir"
)

// Scenario defines a deterministic run against a fresh server.
// It seeds balances, submits a list of commands in order and asserts on the
// replies, the outcome lines and the final ledger.
type Scenario struct {
	// Name uniquely identifies this scenario. Also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Workers is the pool size. Outcomes do not depend on it.
	Workers int `yaml:"workers"`

	// Accounts is the ledger size.
	Accounts int `yaml:"accounts"`

	// ClaimBackoff is an optional Go duration for the pre-claim delay.
	ClaimBackoff string `yaml:"claim_backoff,omitempty"`

	// RunID is an optional fixed run ID. If empty, testutil.DefaultRunID.
	RunID string `yaml:"run_id,omitempty"`

	// InitialBalances seeds accounts before the first request.
	InitialBalances []config.Balance `yaml:"initial_balances,omitempty"`

	// Steps are submitted in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	// Supported types: final_balances, total_balance, outcome_count, last_completed
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one command submitted to the server.
type Step struct {
	// Request is a command line, e.g. "TRANS 0 -50 1 50".
	Request string `yaml:"request"`

	// Expect is the expected outcome payload ("BAL 0", "ISF 1", "OK").
	// If empty, the outcome is not checked.
	Expect string `yaml:"expect,omitempty"`

	// Reject is the expected validation code. A rejected step gets no ID and
	// no outcome line. Mutually exclusive with Expect.
	Reject string `yaml:"reject,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_balances": every account balance, in account order
	// - "total_balance": the sum of all balances
	// - "outcome_count": number of outcomes with the given tag
	// - "last_completed": the completion gate position
	Type string `yaml:"type"`

	// Balances is the expected balance list (final_balances).
	Balances []int64 `yaml:"balances,omitempty"`

	// Outcome is the tag to count (outcome_count).
	Outcome string `yaml:"outcome,omitempty"`

	// Value is the expected number (total_balance, outcome_count, last_completed).
	Value int64 `yaml:"value"`
}

// Assertion type constants.
const (
	AssertFinalBalances = "final_balances"
	AssertTotalBalance  = "total_balance"
	AssertOutcomeCount  = "outcome_count"
	AssertLastCompleted = "last_completed"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	if s.Accounts < 1 {
		return fmt.Errorf("accounts must be at least 1")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		cmd, err := ingest.Parse(step.Request)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if cmd.End {
			return fmt.Errorf("steps[%d]: END is implicit after the last step", i)
		}
		if step.Expect != "" && step.Reject != "" {
			return fmt.Errorf("steps[%d]: expect and reject are mutually exclusive", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertFinalBalances:
		if len(a.Balances) == 0 {
			return fmt.Errorf("assertions[%d]: balances is required for final_balances", index)
		}
	case AssertOutcomeCount:
		if _, err := ir.ParseOutcomeKind(a.Outcome); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Value < 0 {
			return fmt.Errorf("assertions[%d]: value must be non-negative for outcome_count", index)
		}
	case AssertTotalBalance, AssertLastCompleted:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
