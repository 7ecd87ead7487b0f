package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/bankserver/internal/engine"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// checkAssertion dispatches on the assertion type.
func checkAssertion(a Assertion, result *Result) error {
	switch a.Type {
	case AssertFinalBalances:
		return assertFinalBalances(a, result)
	case AssertTotalBalance:
		return assertTotalBalance(a, result)
	case AssertOutcomeCount:
		return assertOutcomeCount(a, result)
	case AssertLastCompleted:
		return assertLastCompleted(a, result)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertFinalBalances(a Assertion, result *Result) error {
	if fmt.Sprint(a.Balances) == fmt.Sprint(result.Balances) {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalBalances,
		Expected: fmt.Sprint(a.Balances),
		Actual:   fmt.Sprint(result.Balances),
	}
}

func assertTotalBalance(a Assertion, result *Result) error {
	var total int64
	for _, b := range result.Balances {
		total += b
	}
	if total == a.Value {
		return nil
	}
	return &AssertionError{
		Type:     AssertTotalBalance,
		Expected: fmt.Sprint(a.Value),
		Actual:   fmt.Sprint(total),
	}
}

// assertOutcomeCount counts output lines by their tag, the second field.
func assertOutcomeCount(a Assertion, result *Result) error {
	var n int64
	for _, line := range result.Lines {
		rec, err := engine.ParseLine(line)
		if err != nil {
			return fmt.Errorf("%s: %w", AssertOutcomeCount, err)
		}
		if rec.Outcome.Kind.Tag() == a.Outcome {
			n++
		}
	}
	if n == a.Value {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutcomeCount,
		Expected: fmt.Sprintf("%d %s outcomes", a.Value, a.Outcome),
		Actual:   fmt.Sprintf("%d %s outcomes", n, a.Outcome),
	}
}

func assertLastCompleted(a Assertion, result *Result) error {
	if result.LastCompleted == a.Value {
		return nil
	}
	return &AssertionError{
		Type:     AssertLastCompleted,
		Expected: fmt.Sprint(a.Value),
		Actual:   fmt.Sprint(result.LastCompleted),
	}
}
