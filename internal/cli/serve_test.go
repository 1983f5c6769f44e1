package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offq/internal/engine"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServe_EndToEnd(t *testing.T) {
	remote := newFakeRemote(t, func(string) int { return http.StatusCreated })
	env := newCLIEnv(t, remoteConfig(remote.URL))
	addr := freeAddr(t)
	base := "http://" + addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", env.config, "serve", "--addr", addr})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(base+"/operations", "application/json",
		strings.NewReader(`{"kind":"create","resource":"notes","payload":{"title":"x"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Empty(t, remote.recorded(), "nothing is sent while offline")

	req, err := http.NewRequest(http.MethodPut, base+"/connectivity", strings.NewReader(`{"online":true}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st engine.Status
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.IsOnline && st.QueueSize == 0 && st.State == engine.StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	reqs := remote.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/notes", reqs[0].Path)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, out.String(), fmt.Sprintf("Listening on %s", addr))
}

func TestServe_ListenFailure(t *testing.T) {
	remote := newFakeRemote(t, func(string) int { return http.StatusOK })
	env := newCLIEnv(t, remoteConfig(remote.URL))

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	res := env.run(t, "--format", "json", "serve", "--addr", busy.Addr().String())
	assert.Equal(t, ExitCommandError, res.code, res.String())
	resp := decodeResponse(t, res.out)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "failed to listen")
}
