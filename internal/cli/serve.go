package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offq/internal/connectivity"
	"github.com/roach88/offq/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr           string
	AllowedOrigins []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its HTTP API",
		Long: `Run the drain loop and expose the queue over HTTP until interrupted.

Connectivity starts as connectivity.initial and changes through
PUT /connectivity, the connectivity.signal_file watcher, or the
connectivity.probe_url heartbeat. GET /events streams engine events
over a websocket.

Example:
  offq serve --config offq.yaml
  offq serve --addr 0.0.0.0:7420 --allow-origin "app.example.com"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringSliceVar(&opts.AllowedOrigins, "allow-origin", nil, "websocket origin patterns to accept")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	rt, err := openRuntime(opts.RootOptions, cmd, withRemote)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var prober *connectivity.Prober
	if url := rt.cfg.Connectivity.ProbeURL; url != "" {
		prober = connectivity.NewProber(url)
		prober.Interval = rt.cfg.Connectivity.ProbeInterval.Std()
		prober.Timeout = rt.cfg.Connectivity.ProbeTimeout.Std()
	}
	detector := connectivity.NewDetector(rt.monitor, prober)
	if rt.monitor.IsOnline() && prober != nil {
		detector.Report(ctx, true)
	}

	addr := opts.Addr
	if addr == "" {
		addr = rt.cfg.Server.Addr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to listen", err)
	}

	if err := rt.drainer.Start(ctx); err != nil {
		listener.Close()
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to start drainer", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		detector.Run(ctx)
	}()
	if path := rt.cfg.Connectivity.SignalFile; path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report := func(online bool) { detector.Report(ctx, online) }
			if err := connectivity.WatchFile(ctx, path, report); err != nil {
				slog.Error("network state watcher stopped", "path", path, "error", err)
			}
		}()
	}

	api := httpapi.New(rt.drainer, detector.Report, httpapi.WithOriginPatterns(opts.AllowedOrigins...))
	server := &http.Server{
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	slog.Info("offq serving", "addr", listener.Addr().String(), "database", rt.cfg.Database, "online", rt.monitor.IsOnline())
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", listener.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	rt.drainer.Stop()
	wg.Wait()

	if runErr != nil {
		return WrapExitError(ExitFailure, "server error", runErr)
	}
	slog.Info("offq stopped gracefully")
	return nil
}
