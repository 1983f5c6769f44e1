package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offq/internal/backoff"
	"github.com/roach88/offq/internal/connectivity"
	"github.com/roach88/offq/internal/engine"
	"github.com/roach88/offq/internal/op"
	"github.com/roach88/offq/internal/store"
	"github.com/roach88/offq/internal/testutil"
)

type apiFixture struct {
	server    *httptest.Server
	drainer   *engine.Drainer
	monitor   *connectivity.Monitor
	transport *testutil.ScriptedTransport
}

func newAPIFixture(t *testing.T, storeOpts ...store.Option) *apiFixture {
	t.Helper()
	s, err := store.Open(t.TempDir()+"/api.db", storeOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tr := testutil.NewScriptedTransport()
	m := connectivity.NewMonitor(false)
	d := engine.New(s, tr, m,
		engine.WithPolicy(backoff.Policy{Base: time.Millisecond, Max: 4 * time.Millisecond}),
		engine.WithWakeInterval(0),
	)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	report := func(_ context.Context, online bool) { m.Set(online) }
	srv := httptest.NewServer(New(d, report))
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, drainer: d, monitor: m, transport: tr}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *apiFixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.drainer.WaitIdle(ctx))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnqueueListStatus(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/operations", map[string]any{
		"kind":     "create",
		"resource": "notes",
		"payload":  map[string]string{"title": "a"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[op.Operation](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.IdempotencyKey)
	assert.Equal(t, op.StatusPending, created.Status)

	list := decode[listResponse](t, f.do(t, http.MethodGet, "/operations", nil))
	require.Len(t, list.Operations, 1)
	assert.Equal(t, created.ID, list.Operations[0].ID)

	st := decode[map[string]any](t, f.do(t, http.MethodGet, "/status", nil))
	assert.Equal(t, false, st["is_online"])
	assert.Equal(t, float64(1), st["queue_size"])
	assert.Equal(t, false, st["syncing"])
	assert.Equal(t, "idle", st["state"])
}

func TestEnqueue_BadRequests(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"unknown kind", map[string]any{"kind": "merge", "resource": "notes"}, "invalid_kind"},
		{"missing resource", map[string]any{"kind": "create"}, "invalid_request"},
		{"unknown field", map[string]any{"kind": "create", "resource": "notes", "extra": 1}, "invalid_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/operations", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, decode[errorBody](t, resp).Code)
		})
	}
}

func TestEnqueue_StorageExhausted(t *testing.T) {
	f := newAPIFixture(t, store.WithMaxOperations(1))

	body := map[string]any{"kind": "create", "resource": "notes", "payload": map[string]int{"n": 1}}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/operations", body).StatusCode)

	resp := f.do(t, http.MethodPost, "/operations", body)
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
	assert.Equal(t, "STORAGE_EXHAUSTED", decode[errorBody](t, resp).Code)
}

func TestCancel(t *testing.T) {
	f := newAPIFixture(t)

	created := decode[op.Operation](t, f.do(t, http.MethodPost, "/operations",
		map[string]any{"kind": "delete", "resource": "notes/1"}))

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/operations/"+created.ID, nil).StatusCode)

	resp := f.do(t, http.MethodDelete, "/operations/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorBody](t, resp).Code)
}

func TestCancel_InFlightConflicts(t *testing.T) {
	f := newAPIFixture(t)
	f.transport.Hang("notes/slow")

	created := decode[op.Operation](t, f.do(t, http.MethodPost, "/operations",
		map[string]any{"kind": "update", "resource": "notes/slow", "payload": map[string]int{"v": 2}}))

	f.monitor.Set(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.transport.Await(ctx, 1))

	resp := f.do(t, http.MethodDelete, "/operations/"+created.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "in_flight", decode[errorBody](t, resp).Code)
}

func TestConnectivityAndProcess(t *testing.T) {
	f := newAPIFixture(t)

	decode[op.Operation](t, f.do(t, http.MethodPost, "/operations",
		map[string]any{"kind": "create", "resource": "notes", "payload": map[string]int{"n": 1}}))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/connectivity", map[string]any{}).StatusCode)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/connectivity", map[string]bool{"online": true}).StatusCode)
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/process", nil).StatusCode)

	f.waitIdle(t)
	st := decode[engine.Status](t, f.do(t, http.MethodGet, "/status", nil))
	assert.True(t, st.IsOnline)
	assert.Equal(t, 0, st.QueueSize)
	assert.Equal(t, []string{"notes"}, f.transport.Resources())
}

func TestConnectivity_NotConfigured(t *testing.T) {
	srv := httptest.NewServer(New(&fakeQueue{}, nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/connectivity", bytes.NewReader([]byte(`{"online":true}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
