package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ParseState converts a textual network state into a boolean.
func ParseState(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "up", "true", "1":
		return true, nil
	case "offline", "down", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("unknown network state %q", s)
	}
}

// WatchFile reports the state written to path each time it changes, and
// once at start if the file exists. The parent directory is watched so
// atomic replace-by-rename is seen. Blocks until ctx is done.
func WatchFile(ctx context.Context, path string, report func(online bool)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	read := func() {
		data, err := os.ReadFile(abs)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Warn("failed to read network state file", "path", abs, "error", err)
			}
			return
		}
		online, err := ParseState(string(data))
		if err != nil {
			slog.Warn("ignoring network state file", "path", abs, "error", err)
			return
		}
		report(online)
	}
	read()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				read()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("network state watcher error", "error", err)
		}
	}
}
