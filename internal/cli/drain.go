package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offq/internal/connectivity"
	"github.com/roach88/offq/internal/engine"
)

// DefaultDrainTimeout bounds a one-shot drain.
const DefaultDrainTimeout = time.Minute

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	Timeout time.Duration
}

// TerminalFailure is one operation the remote rejected during a drain.
type TerminalFailure struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// DrainResult summarises a drain.
type DrainResult struct {
	Delivered int               `json:"delivered"`
	Retries   int               `json:"retries"`
	Failed    []TerminalFailure `json:"failed"`
	Remaining int               `json:"remaining"`
	TimedOut  bool              `json:"timed_out"`
}

// drainTally counts events; the drainer calls it from its own goroutine.
type drainTally struct {
	mu     sync.Mutex
	result DrainResult
}

func (t *drainTally) record(ev engine.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case engine.EventDelivered:
		t.result.Delivered++
	case engine.EventRetryScheduled:
		t.result.Retries++
	case engine.EventTerminalFailure:
		f := TerminalFailure{}
		if ev.Operation != nil {
			f.ID = ev.Operation.ID
			f.Resource = ev.Operation.Resource
		}
		if ev.Error != nil {
			f.Code = string(ev.Error.Code)
			f.Message = ev.Error.Message
		}
		t.result.Failed = append(t.result.Failed, f)
	}
}

func (t *drainTally) snapshot() DrainResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.result
	r.Failed = append([]TerminalFailure{}, t.result.Failed...)
	return r
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued operations and exit",
		Long: `Go online, deliver the queue in order until it is empty, then exit.

Retryable failures are retried with backoff until --timeout. When
connectivity.probe_url is configured the remote is probed first and the
drain is skipped if it does not answer.

Exit codes:
  0 - Queue fully delivered
  1 - Operations remain, or some were rejected by the remote
  2 - Command error (unreadable config, database unavailable)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", DefaultDrainTimeout, "give up after this long")

	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	rt, err := openRuntime(opts.RootOptions, cmd, withRemote)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if url := rt.cfg.Connectivity.ProbeURL; url != "" {
		prober := connectivity.NewProber(url)
		prober.Timeout = rt.cfg.Connectivity.ProbeTimeout.Std()
		connectivity.NewDetector(rt.monitor, prober).Report(ctx, true)
		if !rt.monitor.IsOnline() {
			return formatter.Fail(ExitFailure, ErrCodeUndelivered, "remote unreachable", fmt.Errorf("probe %s failed", url))
		}
	} else {
		rt.monitor.Set(true)
	}

	tally := &drainTally{}
	unsubscribe := rt.drainer.Subscribe(tally.record)
	defer unsubscribe()

	if err := rt.drainer.Start(ctx); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to start drainer", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, opts.Timeout)
	defer waitCancel()
	waitErr := rt.drainer.WaitIdle(waitCtx)
	rt.drainer.Stop()

	result := tally.snapshot()
	if result.Failed == nil {
		result.Failed = []TerminalFailure{}
	}
	result.TimedOut = errors.Is(waitErr, context.DeadlineExceeded)
	if waitErr != nil && !result.TimedOut && !errors.Is(waitErr, context.Canceled) {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "drain failed", waitErr)
	}

	// Background context: ctx may already be cancelled by a signal.
	if result.Remaining, err = rt.store.Size(context.Background()); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to read queue size", err)
	}
	slog.Info("drain finished",
		"delivered", result.Delivered,
		"retries", result.Retries,
		"failed", len(result.Failed),
		"remaining", result.Remaining,
	)

	if err := outputDrain(formatter, opts.Format, result); err != nil {
		return err
	}
	switch {
	case result.Remaining > 0:
		return reported(NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) still queued", result.Remaining)))
	case len(result.Failed) > 0:
		return reported(NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) rejected", len(result.Failed))))
	}
	return nil
}

func outputDrain(formatter *OutputFormatter, format string, result DrainResult) error {
	if format == "json" {
		return formatter.Success(result)
	}
	w := formatter.Writer
	for _, f := range result.Failed {
		fmt.Fprintf(w, "✗ %s %s: %s\n", f.ID, f.Resource, f.Message)
	}
	fmt.Fprintf(w, "Delivered %d, rejected %d, retries %d, remaining %d\n",
		result.Delivered, len(result.Failed), result.Retries, result.Remaining)
	if result.TimedOut {
		fmt.Fprintln(w, "Timed out before the queue emptied.")
	} else if result.Remaining == 0 && len(result.Failed) == 0 {
		fmt.Fprintln(w, "✓ Queue drained")
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
