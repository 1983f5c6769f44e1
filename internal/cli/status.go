package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue size",
		Long: `Report the number of operations waiting for delivery.

This reads the local log only; query GET /status on a running
"offq serve" for live connectivity and sync state.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rt, err := openRuntime(opts, cmd, localOnly)
	if err != nil {
		return err
	}
	defer rt.close()

	status, err := rt.drainer.Status(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to read status", err)
	}

	if opts.Format == "json" {
		return formatter.Success(status)
	}
	return formatter.Success(fmt.Sprintf("Queue size: %d\nDatabase: %s", status.QueueSize, rt.cfg.Database))
}
