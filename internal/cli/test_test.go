package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: single_delivery
description: "one operation delivered once online"
steps:
  - enqueue: {alias: A, resource: notes/a, payload: {title: a}}
  - online: true
  - wait_idle: true
assertions:
  - type: queue_size
    count: 0
  - type: submissions
    aliases: [A]
`

const failingScenario = `name: wrong_count
description: "asserts a delivery that never happens"
steps:
  - enqueue: {alias: A, resource: notes/a, payload: {title: a}}
assertions:
  - type: queue_size
    count: 0
`

// harnessTestdata is the harness package's scenario suite.
var harnessTestdata = filepath.Join("..", "harness", "testdata")

func executeTest(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	scenarios := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenarios, 0755))
	path := filepath.Join(scenarios, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	_, err := executeTest(t, "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")
}

func TestTestCommandHarnessSuite(t *testing.T) {
	out, err := executeTest(t, filepath.Join(harnessTestdata, "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ abc_retry")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandFilter(t *testing.T) {
	out, err := executeTest(t, filepath.Join(harnessTestdata, "scenarios"), "--filter", "cancel_*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "cancel_before_online")
	assert.Contains(t, out, "cancel_in_flight")
	assert.NotContains(t, out, "abc_retry")
	assert.Contains(t, out, "2 passed, 0 failed, 2 total")
}

func TestTestCommandAssertionFailure(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "wrong_count", failingScenario)

	out, err := executeTest(t, filepath.Join(dir, "scenarios"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_count")
	assert.Contains(t, out, "expected queue size 0, got 1")
}

func TestTestCommandUpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "single_delivery", passingScenario)
	scenarios := filepath.Join(dir, "scenarios")
	goldenPath := filepath.Join(dir, "golden", "single_delivery.golden")

	out, err := executeTest(t, scenarios, "--update")
	require.NoError(t, err, out)

	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), "delivered A size=0")

	out, err = executeTest(t, scenarios)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ single_delivery")

	require.NoError(t, os.WriteFile(goldenPath, []byte("1 something else\n"), 0644))
	out, err = executeTest(t, scenarios)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandJSONOutput(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "single_delivery", passingScenario)
	writeScenario(t, dir, "wrong_count", failingScenario)

	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{filepath.Join(dir, "scenarios")})

	err := cmd.Execute()
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("testdata", "golden", "abc.golden"),
		goldenFilePath(filepath.Join("testdata", "scenarios", "abc.yaml"), "abc", ""))
	assert.Equal(t,
		filepath.Join("elsewhere", "abc.golden"),
		goldenFilePath(filepath.Join("testdata", "scenarios", "abc.yaml"), "abc", "elsewhere"))
}
