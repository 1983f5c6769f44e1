package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offq/internal/op"
)

func TestScriptedTransport_DefaultsToDelivered(t *testing.T) {
	tr := NewScriptedTransport()

	out := tr.Submit(context.Background(), op.Operation{ID: "a", Resource: "notes"})
	assert.Equal(t, op.Delivered, out.Kind)
	assert.Equal(t, []string{"notes"}, tr.Resources())
}

func TestScriptedTransport_ScriptPerResource(t *testing.T) {
	tr := NewScriptedTransport()
	tr.Script("c", op.RetryableOutcome(op.ClassNetwork, "reset"), op.DeliveredOutcome())
	tr.Script("d", op.TerminalOutcome(op.ClassRejected, "422"))
	ctx := context.Background()

	assert.Equal(t, op.Retryable, tr.Submit(ctx, op.Operation{Resource: "c"}).Kind)
	assert.Equal(t, op.Terminal, tr.Submit(ctx, op.Operation{Resource: "d"}).Kind)
	assert.Equal(t, op.Delivered, tr.Submit(ctx, op.Operation{Resource: "c"}).Kind)
	assert.Equal(t, op.Delivered, tr.Submit(ctx, op.Operation{Resource: "c"}).Kind)

	calls := tr.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "c", calls[0].Resource)
}

func TestScriptedTransport_Hang(t *testing.T) {
	tr := NewScriptedTransport()
	tr.Hang("notes")

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan op.Outcome, 1)
	go func() { result <- tr.Submit(ctx, op.Operation{Resource: "notes"}) }()

	require.NoError(t, tr.Await(context.Background(), 1))
	select {
	case <-result:
		t.Fatal("hanging submission returned before cancel")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	out := <-result
	assert.Equal(t, op.Retryable, out.Kind)
	assert.Equal(t, op.ClassTimeout, out.Class)
}

func TestScriptedTransport_AwaitTimeout(t *testing.T) {
	tr := NewScriptedTransport()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, tr.Await(ctx, 1))
}
