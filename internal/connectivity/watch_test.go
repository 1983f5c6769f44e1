package connectivity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	for _, s := range []string{"online", "ONLINE\n", "up", "1", "true"} {
		got, err := ParseState(s)
		require.NoError(t, err, s)
		assert.True(t, got, s)
	}
	for _, s := range []string{"offline", " down ", "0", "false"} {
		got, err := ParseState(s)
		require.NoError(t, err, s)
		assert.False(t, got, s)
	}
	_, err := ParseState("maybe")
	assert.Error(t, err)
}

// replaceFile writes content atomically the way network daemons do.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func waitState(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestWatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network-state")
	replaceFile(t, path, "offline\n")

	states := make(chan bool, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, func(online bool) { states <- online })
	}()

	waitState(t, states, false)

	replaceFile(t, path, "online\n")
	waitState(t, states, true)

	replaceFile(t, path, "garbage\n")
	replaceFile(t, path, "offline\n")
	waitState(t, states, false)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WatchFile did not return after cancel")
	}
}
