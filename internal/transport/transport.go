// Package transport provides Transport adapters for the drainer: an HTTP
// adapter for REST-style remotes, a schema-validating decorator, and a
// function adapter.
//
// Adapters own request construction, authentication and the mapping of
// remote errors onto the delivered / retryable / terminal outcome.
package transport

import (
	"context"

	"github.com/roach88/offq/internal/op"
)

// Submitter is anything that can deliver an operation.
// engine.Transport has the same method set.
type Submitter interface {
	Submit(ctx context.Context, o op.Operation) op.Outcome
}

// Func adapts an ordinary function to a Submitter.
type Func func(ctx context.Context, o op.Operation) op.Outcome

// Submit calls f.
func (f Func) Submit(ctx context.Context, o op.Operation) op.Outcome {
	return f(ctx, o)
}
