package harness

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Transcript renders a result the way a user would see a piped session:
// the replies in step order, a blank line, then the output file.
func Transcript(result *Result) []byte {
	var buf strings.Builder
	for _, r := range result.Replies {
		buf.WriteString(r)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	for _, l := range result.Lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return []byte(buf.String())
}

// GoldenDir holds one {scenario.Name}.golden file per scenario. It sits next
// to the scenarios, where "bankserver test" looks for it.
const GoldenDir = "testdata/scenarios/golden"

// RunWithGolden executes a scenario and compares its transcript against
// GoldenDir/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's transcript against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Transcript(result))
}
