package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offq/internal/config"
	"github.com/roach88/offq/internal/connectivity"
	"github.com/roach88/offq/internal/engine"
	"github.com/roach88/offq/internal/idem"
	"github.com/roach88/offq/internal/op"
	"github.com/roach88/offq/internal/store"
	"github.com/roach88/offq/internal/transport"
)

// runtime is one command's view of the queue: the loaded config, the
// opened log and a drainer over it. The drainer is not started.
type runtime struct {
	cfg     config.Config
	store   *store.Store
	monitor *connectivity.Monitor
	drainer *engine.Drainer
}

// remoteMode says whether a command delivers to the remote.
type remoteMode int

const (
	localOnly remoteMode = iota
	withRemote
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// setupLogging installs the default slog handler. Logs always go to w
// (stderr) so JSON output on stdout stays parseable.
func setupLogging(opts *RootOptions, cfg config.Config, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LevelName())); err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// openRuntime loads the config, configures logging and opens the log.
// The caller must call close.
func openRuntime(opts *RootOptions, cmd *cobra.Command, mode remoteMode) (*runtime, error) {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, formatter.Fail(ExitFailure, ErrCodeConfig, "invalid configuration", err)
	}
	setupLogging(opts, cfg, cmd.ErrOrStderr())

	var submitter engine.Transport = offlineTransport
	if mode == withRemote {
		submitter, err = buildTransport(cfg)
		if err != nil {
			return nil, formatter.Fail(ExitFailure, ErrCodeConfig, "invalid remote configuration", err)
		}
	}

	formatter.VerboseLog("opening %s", cfg.Database)
	st, err := store.OpenDSN(cfg.Database, store.WithMaxOperations(cfg.Storage.MaxOperations))
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}

	initial := false
	if mode == withRemote {
		initial = cfg.InitiallyOnline()
	}
	monitor := connectivity.NewMonitor(initial)
	drainer := engine.New(st, submitter, monitor,
		engine.WithPolicy(cfg.Policy()),
		engine.WithIssuer(idem.NewIssuer(idem.WithTTL(cfg.Idempotency.TTL.Std()))),
		engine.WithWakeInterval(cfg.Drain.WakeInterval.Std()),
	)

	return &runtime{cfg: cfg, store: st, monitor: monitor, drainer: drainer}, nil
}

func (r *runtime) close() {
	r.drainer.Stop()
	if err := r.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// buildTransport assembles the HTTP adapter, wrapped in payload
// validation when schemas are configured.
func buildTransport(cfg config.Config) (engine.Transport, error) {
	var token transport.TokenProvider
	if cfg.Remote.Token != "" {
		token = transport.StaticToken(cfg.Remote.Token)
	}
	client, err := transport.NewHTTP(transport.HTTPOptions{
		BaseURL:       cfg.Remote.BaseURL,
		TokenProvider: token,
		Timeout:       cfg.Remote.Timeout.Std(),
		Headers:       cfg.Remote.Headers,
		UserAgent:     cfg.Remote.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Schemas) == 0 {
		return client, nil
	}
	schemas, err := transport.LoadSchemaFiles(cfg.Schemas)
	if err != nil {
		return nil, fmt.Errorf("payload schemas: %w", err)
	}
	return transport.NewValidating(client, schemas), nil
}

// offlineTransport backs commands that only touch the local log. Their
// drainer is never started, so it is never called.
var offlineTransport = transport.Func(func(_ context.Context, _ op.Operation) op.Outcome {
	return op.RetryableOutcome(op.ClassNetwork, "remote not configured for this command")
})
