package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offq/internal/store"
)

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <operation-id>",
		Short: "Remove a queued operation before it is delivered",
		Long: `Remove a queued operation from the log.

An operation that is currently being delivered cannot be cancelled; the
command fails with code E006 and the operation is left untouched.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(rootOpts, args[0], cmd)
		},
	}
}

func runCancel(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rt, err := openRuntime(opts, cmd, localOnly)
	if err != nil {
		return err
	}
	defer rt.close()

	err = rt.drainer.Cancel(cmd.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return formatter.Fail(ExitFailure, ErrCodeNotFound, "operation not found", err)
	case errors.Is(err, store.ErrInFlight):
		return formatter.Fail(ExitFailure, ErrCodeInFlight, "operation is being delivered", err)
	case err != nil:
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "cancel failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]string{"id": id, "status": "cancelled"})
	}
	return formatter.Success(fmt.Sprintf("Cancelled %s", id))
}
