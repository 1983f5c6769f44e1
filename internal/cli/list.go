package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offq/internal/op"
)

// ListResult is the JSON payload of the list command.
type ListResult struct {
	Operations []op.Operation `json:"operations"`
	Count      int            `json:"count"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show queued operations in delivery order",
		Long: `List the operations waiting for delivery, oldest first.

Pending, in-flight and retrying operations are shown. Operations that
failed terminally are reported once when they fail and then removed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, cmd)
		},
	}
}

func runList(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rt, err := openRuntime(opts, cmd, localOnly)
	if err != nil {
		return err
	}
	defer rt.close()

	ops, err := rt.drainer.List(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to list operations", err)
	}
	if ops == nil {
		ops = []op.Operation{}
	}

	if opts.Format == "json" {
		return formatter.Success(ListResult{Operations: ops, Count: len(ops)})
	}
	if len(ops) == 0 {
		return formatter.Success("Queue is empty.")
	}

	var b strings.Builder
	for _, o := range ops {
		fmt.Fprintf(&b, "%-6d %-36s %-6s %-16s attempt=%d %s", o.Seq, o.ID, o.Kind, o.Status, o.Attempt, o.Resource)
		if o.LastError != "" {
			fmt.Fprintf(&b, " (%s)", o.LastError)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d operation(s) queued", len(ops))
	return formatter.Success(b.String())
}
