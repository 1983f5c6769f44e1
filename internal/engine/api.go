package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/offq/internal/op"
	"github.com/roach88/offq/internal/store"
)

// Request describes a user action to queue.
type Request struct {
	Kind     op.Kind
	Resource string
	Payload  json.RawMessage

	// Intent distinguishes genuinely separate actions with identical
	// content. Empty means a fresh intent is minted, so two calls are two
	// operations. Reuse an Intent to make a retried click map to the same
	// idempotency key.
	Intent string
}

// Status is what the presentation layer reads.
type Status struct {
	IsOnline  bool  `json:"is_online"`
	QueueSize int   `json:"queue_size"`
	Syncing   bool  `json:"syncing"`
	State     State `json:"state"`
}

// Enqueue validates req, mints its idempotency key and appends it to the
// log. If online, the loop is woken.
//
// A full log returns a *RuntimeError with code STORAGE_EXHAUSTED that also
// matches store.ErrStorageExhausted; nothing was queued.
func (d *Drainer) Enqueue(ctx context.Context, req Request) (op.Operation, error) {
	o := op.Operation{
		Kind:     req.Kind,
		Resource: req.Resource,
		Payload:  req.Payload,
	}
	if err := o.Validate(); err != nil {
		return op.Operation{}, fmt.Errorf("invalid request: %w", err)
	}

	intent := req.Intent
	if intent == "" {
		intent = d.newIntent()
	}
	fp, err := op.Fingerprint(o.Kind, o.Resource, o.Payload, intent)
	if err != nil {
		return op.Operation{}, fmt.Errorf("fingerprint payload: %w", err)
	}
	o.Fingerprint = fp
	o.IdempotencyKey = d.issuer.Issue(o.Resource, fp).Value

	stored, err := d.log.Enqueue(ctx, o)
	if err != nil {
		if errors.Is(err, store.ErrStorageExhausted) {
			slog.Warn("enqueue refused: storage exhausted", "kind", o.Kind, "resource", o.Resource)
			return op.Operation{}, NewStorageExhaustedError(err)
		}
		return op.Operation{}, fmt.Errorf("enqueue: %w", err)
	}

	slog.Info("operation enqueued", "id", stored.ID, "kind", stored.Kind, "resource", stored.Resource, "seq", stored.Seq)
	d.emit(ctx, Event{Type: EventEnqueued, Operation: &stored})

	if d.conn.IsOnline() {
		d.signals.Push(signal{kind: signalEnqueue})
	}
	return stored, nil
}

// Cancel removes a queued operation that is not in flight.
// Returns an error matching store.ErrInFlight or store.ErrNotFound otherwise.
func (d *Drainer) Cancel(ctx context.Context, id string) error {
	if err := d.log.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	slog.Info("operation cancelled", "id", id)
	d.emit(ctx, Event{Type: EventCancelled, Operation: &op.Operation{ID: id}})
	d.signals.Push(signal{kind: signalCancel})
	return nil
}

// List returns the queued operations in delivery order.
func (d *Drainer) List(ctx context.Context) ([]op.Operation, error) {
	return d.log.List(ctx)
}

// Status reports connectivity, queue size and whether syncing is underway.
func (d *Drainer) Status(ctx context.Context) (Status, error) {
	size, err := d.log.Size(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue size: %w", err)
	}
	state := d.State()
	return Status{
		IsOnline:  d.conn.IsOnline(),
		QueueSize: size,
		Syncing:   state.Syncing(),
		State:     state,
	}, nil
}
