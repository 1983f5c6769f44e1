package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/offq/internal/engine"
	"github.com/roach88/offq/internal/op"
	"github.com/roach88/offq/internal/store"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Payload     string
	PayloadFile string
	Intent      string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <resource>",
		Short: "Queue a mutation for delivery",
		Long: `Append a mutation to the local operation log.

The operation is persisted immediately and delivered in order by the next
"offq drain" or by a running "offq serve". Reusing --intent makes a
repeated action map to the same idempotency key.

While "offq serve" owns the database, enqueue through its HTTP API instead.

Examples:
  offq enqueue create notes --payload '{"title":"draft"}'
  offq enqueue update notes/42 --payload-file note.json
  offq enqueue delete notes/42`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVarP(&opts.PayloadFile, "payload-file", "f", "", "read the JSON payload from a file")
	cmd.Flags().StringVar(&opts.Intent, "intent", "", "intent nonce; reuse to deduplicate a repeated action")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, kindArg, resource string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	kind, err := op.ParseKind(kindArg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidRequest, "invalid kind", err)
	}
	payload, err := readPayload(opts)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidRequest, "invalid payload", err)
	}

	rt, err := openRuntime(opts.RootOptions, cmd, localOnly)
	if err != nil {
		return err
	}
	defer rt.close()

	queued, err := rt.drainer.Enqueue(cmd.Context(), engine.Request{
		Kind:     kind,
		Resource: resource,
		Payload:  payload,
		Intent:   opts.Intent,
	})
	switch {
	case errors.Is(err, store.ErrStorageExhausted):
		return formatter.Fail(ExitFailure, ErrCodeStorageExhausted, "queue is full", err)
	case errors.Is(err, op.ErrInvalid):
		return formatter.Fail(ExitCommandError, ErrCodeInvalidRequest, "invalid request", err)
	case err != nil:
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "enqueue failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(queued)
	}
	return formatter.Success(fmt.Sprintf("Queued %s %s as %s (key %s)", queued.Kind, queued.Resource, queued.ID, queued.IdempotencyKey))
}

// readPayload returns the payload bytes. No payload is valid for deletes
// and encodes as JSON null.
func readPayload(opts *EnqueueOptions) (json.RawMessage, error) {
	raw := []byte(opts.Payload)
	if opts.PayloadFile != "" {
		data, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
