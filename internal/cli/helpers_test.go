package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// cliEnv is a temporary working directory with its own config and log.
type cliEnv struct {
	dir    string
	config string
}

// newCLIEnv writes offq.yaml with the database in a temp dir. extra is
// appended verbatim to the YAML document.
func newCLIEnv(t *testing.T, extra string) *cliEnv {
	t.Helper()
	t.Setenv("OFFQ_DATABASE", "")
	t.Setenv("OFFQ_REMOTE_URL", "")
	t.Setenv("OFFQ_REMOTE_TOKEN", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "offq.yaml")
	doc := "database: queue.db\n" + strings.TrimSpace(extra) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return &cliEnv{dir: dir, config: path}
}

type cliRun struct {
	out  string
	err  string
	code int
	fail error
}

// run executes the root command with --config pointing at the env.
func (e *cliEnv) run(t *testing.T, args ...string) cliRun {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))

	err := cmd.Execute()
	code := ExitSuccess
	if err != nil {
		code = GetExitCode(err)
	}
	return cliRun{out: out.String(), err: errOut.String(), code: code, fail: err}
}

// jsonResponse is CLIResponse with Data left raw for typed decoding.
type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decodeResponse(t *testing.T, out string) jsonResponse {
	t.Helper()
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	resp := decodeResponse(t, out)
	require.Equal(t, "ok", resp.Status, "output: %s", out)
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func (r cliRun) String() string {
	return fmt.Sprintf("code=%d err=%v\nstdout:\n%s\nstderr:\n%s", r.code, r.fail, r.out, r.err)
}
