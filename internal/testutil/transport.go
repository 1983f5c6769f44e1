package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/offq/internal/op"
)

// Submission records one call to ScriptedTransport.Submit.
type Submission struct {
	ID             string
	IdempotencyKey string
	Kind           op.Kind
	Resource       string
	Payload        json.RawMessage
	Attempt        int
}

// Step is one scripted response.
type Step struct {
	Outcome op.Outcome

	// Hang blocks the call until its context is cancelled, modelling a
	// request whose outcome is never learned. The cancelled call reports
	// a retryable timeout.
	Hang bool
}

// ScriptedTransport answers submissions from per-resource scripts.
// Unscripted submissions are delivered.
//
// Thread-safety: safe for concurrent use.
type ScriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]Step
	calls   []Submission
	changed chan struct{}
}

// NewScriptedTransport creates a transport with empty scripts.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{
		scripts: make(map[string][]Step),
		changed: make(chan struct{}),
	}
}

// Script appends outcomes for the next submissions of resource.
func (t *ScriptedTransport) Script(resource string, outcomes ...op.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range outcomes {
		t.scripts[resource] = append(t.scripts[resource], Step{Outcome: o})
	}
}

// Hang makes the next submission of resource block until cancelled.
func (t *ScriptedTransport) Hang(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[resource] = append(t.scripts[resource], Step{Hang: true})
}

// Submit implements engine.Transport.
func (t *ScriptedTransport) Submit(ctx context.Context, o op.Operation) op.Outcome {
	t.mu.Lock()
	t.calls = append(t.calls, Submission{
		ID:             o.ID,
		IdempotencyKey: o.IdempotencyKey,
		Kind:           o.Kind,
		Resource:       o.Resource,
		Payload:        o.Payload,
		Attempt:        o.Attempt,
	})
	step := Step{Outcome: op.DeliveredOutcome()}
	if script := t.scripts[o.Resource]; len(script) > 0 {
		step = script[0]
		t.scripts[o.Resource] = script[1:]
	}
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()

	if step.Hang {
		<-ctx.Done()
		return op.RetryableOutcome(op.ClassTimeout, ctx.Err().Error())
	}
	return step.Outcome
}

// Calls returns a copy of every submission so far, in order.
func (t *ScriptedTransport) Calls() []Submission {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Submission, len(t.calls))
	copy(out, t.calls)
	return out
}

// Resources returns the resource of every submission, in order.
func (t *ScriptedTransport) Resources() []string {
	calls := t.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Resource
	}
	return out
}

// Await blocks until at least n submissions have been made.
func (t *ScriptedTransport) Await(ctx context.Context, n int) error {
	for {
		t.mu.Lock()
		count := len(t.calls)
		changed := t.changed
		t.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for submission %d (have %d): %w", n, count, ctx.Err())
		}
	}
}
