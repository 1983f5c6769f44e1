package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offq/internal/engine"
	"github.com/roach88/offq/internal/op"
)

func TestEnqueueListStatus(t *testing.T) {
	env := newCLIEnv(t, "")

	first := env.run(t, "--format", "json", "enqueue", "create", "notes", "--payload", `{"title":"a"}`)
	require.Equal(t, ExitSuccess, first.code, first.String())
	queued := decodeData[op.Operation](t, first.out)
	assert.NotEmpty(t, queued.ID)
	assert.NotEmpty(t, queued.IdempotencyKey)
	assert.Equal(t, op.KindCreate, queued.Kind)
	assert.Equal(t, op.StatusPending, queued.Status)

	second := env.run(t, "--format", "json", "enqueue", "delete", "notes/9")
	require.Equal(t, ExitSuccess, second.code, second.String())

	list := env.run(t, "--format", "json", "list")
	require.Equal(t, ExitSuccess, list.code, list.String())
	listed := decodeData[ListResult](t, list.out)
	require.Equal(t, 2, listed.Count)
	assert.Equal(t, queued.ID, listed.Operations[0].ID, "delivery order is enqueue order")
	assert.Equal(t, "notes/9", listed.Operations[1].Resource)

	status := env.run(t, "--format", "json", "status")
	require.Equal(t, ExitSuccess, status.code, status.String())
	st := decodeData[engine.Status](t, status.out)
	assert.Equal(t, 2, st.QueueSize)
	assert.False(t, st.IsOnline)
	assert.Equal(t, engine.StateIdle, st.State)
}

func TestEnqueue_TextOutput(t *testing.T) {
	env := newCLIEnv(t, "")

	res := env.run(t, "enqueue", "update", "notes/1", "--payload", `{"title":"b"}`)
	require.Equal(t, ExitSuccess, res.code, res.String())
	assert.Contains(t, res.out, "Queued update notes/1 as ")

	list := env.run(t, "list")
	require.Equal(t, ExitSuccess, list.code, list.String())
	assert.Contains(t, list.out, "notes/1")
	assert.Contains(t, list.out, "1 operation(s) queued")
}

func TestEnqueue_PayloadFile(t *testing.T) {
	env := newCLIEnv(t, "")
	payloadPath := filepath.Join(env.dir, "note.json")
	require.NoError(t, os.WriteFile(payloadPath, []byte(`{"title":"from file"}`), 0644))

	res := env.run(t, "--format", "json", "enqueue", "create", "notes", "--payload-file", payloadPath)
	require.Equal(t, ExitSuccess, res.code, res.String())
	queued := decodeData[op.Operation](t, res.out)
	assert.JSONEq(t, `{"title":"from file"}`, string(queued.Payload))
}

func TestEnqueue_SameIntentSameKey(t *testing.T) {
	env := newCLIEnv(t, "")

	a := env.run(t, "--format", "json", "enqueue", "create", "notes", "--payload", `{"t":1}`, "--intent", "click-1")
	b := env.run(t, "--format", "json", "enqueue", "create", "notes", "--payload", `{"t":1}`, "--intent", "click-1")
	c := env.run(t, "--format", "json", "enqueue", "create", "notes", "--payload", `{"t":1}`)
	require.Equal(t, ExitSuccess, a.code, a.String())
	require.Equal(t, ExitSuccess, b.code, b.String())
	require.Equal(t, ExitSuccess, c.code, c.String())

	keyA := decodeData[op.Operation](t, a.out).IdempotencyKey
	keyB := decodeData[op.Operation](t, b.out).IdempotencyKey
	keyC := decodeData[op.Operation](t, c.out).IdempotencyKey
	assert.Equal(t, keyA, keyB, "a repeated intent maps to one key")
	assert.NotEqual(t, keyA, keyC, "a fresh intent is a separate action")
}

func TestEnqueue_BadInput(t *testing.T) {
	env := newCLIEnv(t, "")

	tests := []struct {
		name string
		args []string
	}{
		{"unknown kind", []string{"enqueue", "merge", "notes"}},
		{"invalid json", []string{"enqueue", "create", "notes", "--payload", "{nope"}},
		{"blank resource", []string{"enqueue", "create", "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.run(t, append([]string{"--format", "json"}, tt.args...)...)
			assert.Equal(t, ExitCommandError, res.code, res.String())
			resp := decodeResponse(t, res.out)
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
		})
	}

	list := env.run(t, "--format", "json", "list")
	assert.Equal(t, 0, decodeData[ListResult](t, list.out).Count, "nothing was queued")
}

func TestEnqueue_StorageExhausted(t *testing.T) {
	env := newCLIEnv(t, "storage:\n  max_operations: 1")

	ok := env.run(t, "enqueue", "create", "notes")
	require.Equal(t, ExitSuccess, ok.code, ok.String())

	full := env.run(t, "--format", "json", "enqueue", "create", "notes")
	assert.Equal(t, ExitFailure, full.code, full.String())
	resp := decodeResponse(t, full.out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeStorageExhausted, resp.Error.Code)
}

func TestCancel(t *testing.T) {
	env := newCLIEnv(t, "")

	res := env.run(t, "--format", "json", "enqueue", "create", "notes", "--payload", `{}`)
	require.Equal(t, ExitSuccess, res.code, res.String())
	id := decodeData[op.Operation](t, res.out).ID

	cancelled := env.run(t, "cancel", id)
	require.Equal(t, ExitSuccess, cancelled.code, cancelled.String())
	assert.Contains(t, cancelled.out, "Cancelled "+id)

	list := env.run(t, "--format", "json", "list")
	assert.Equal(t, 0, decodeData[ListResult](t, list.out).Count)

	again := env.run(t, "--format", "json", "cancel", id)
	assert.Equal(t, ExitFailure, again.code)
	resp := decodeResponse(t, again.out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestQueueCommands_InvalidConfig(t *testing.T) {
	env := newCLIEnv(t, "backoff:\n  jitter: 2")

	res := env.run(t, "--format", "json", "list")
	assert.Equal(t, ExitFailure, res.code)
	resp := decodeResponse(t, res.out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
}
