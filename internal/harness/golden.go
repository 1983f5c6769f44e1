package harness

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir holds golden traces, relative to the test's package.
const GoldenDir = "testdata/golden"

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's trace against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, FormatTrace(result))
}

// FormatTrace renders a result's trace as golden file content.
func FormatTrace(result *Result) []byte {
	if len(result.Trace) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(result.Trace, "\n") + "\n")
}
