package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offq/internal/op"
)

// Enqueue appends an operation to the log and returns it with id, seq,
// enqueued_at and status filled in. Attempt starts at zero.
//
// On ErrStorageExhausted nothing was written.
func (s *Store) Enqueue(ctx context.Context, o op.Operation) (op.Operation, error) {
	if err := o.Validate(); err != nil {
		return op.Operation{}, fmt.Errorf("invalid operation: %w", err)
	}
	if o.IdempotencyKey == "" {
		return op.Operation{}, fmt.Errorf("invalid operation: idempotency key is required")
	}
	payload := o.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxOperations > 0 {
		count, err := s.Size(ctx)
		if err != nil {
			return op.Operation{}, err
		}
		if count >= s.maxOperations {
			return op.Operation{}, fmt.Errorf("%w: log holds %d of %d operations", ErrStorageExhausted, count, s.maxOperations)
		}
	}

	o.ID = s.ids.Generate()
	o.Payload = payload
	o.Attempt = 0
	o.Status = op.StatusPending
	o.LastError = ""
	o.EnqueuedAt = time.Unix(0, s.now().UTC().UnixNano()).UTC()

	query := s.dialect.rebind(`
		INSERT INTO offq_operations
			(id, idempotency_key, fingerprint, kind, resource, payload, attempt, enqueued_at, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`)
	err := s.db.QueryRowContext(ctx, query,
		o.ID, o.IdempotencyKey, o.Fingerprint, string(o.Kind), o.Resource, string(o.Payload),
		o.Attempt, o.EnqueuedAt.UnixNano(), string(o.Status), o.LastError,
	).Scan(&o.Seq)
	if err != nil {
		return op.Operation{}, fmt.Errorf("failed to insert operation %s: %w", o.ID, classifyWriteError(err))
	}
	return o, nil
}

// MarkInFlight moves a pending or retryable operation to in_flight.
func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE offq_operations SET status = ?
		WHERE id = ? AND status IN (?, ?)
	`), string(op.StatusInFlight), id, string(op.StatusPending), string(op.StatusFailedRetryable))
	if err != nil {
		return fmt.Errorf("failed to mark %s in flight: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	status, err := s.statusOf(ctx, id)
	if err != nil {
		return err
	}
	if status == op.StatusInFlight {
		return fmt.Errorf("operation %s: %w", id, ErrInFlight)
	}
	return fmt.Errorf("operation %s is %s, cannot start attempt", id, status)
}

// MarkDelivered removes an acknowledged operation from the log.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM offq_operations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete delivered operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed records a failed attempt: attempt is incremented and the status
// becomes failed_retryable or failed_terminal. Returns the updated record.
func (s *Store) MarkFailed(ctx context.Context, id string, terminal bool, reason string) (op.Operation, error) {
	status := op.StatusFailedRetryable
	if terminal {
		status = op.StatusFailedTerminal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE offq_operations SET status = ?, attempt = attempt + 1, last_error = ?
		WHERE id = ?
	`), string(status), reason, id)
	if err != nil {
		return op.Operation{}, fmt.Errorf("failed to mark %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return op.Operation{}, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return s.get(ctx, id)
}

// Release returns an in-flight operation to pending without counting an
// attempt. Used when a submission is abandoned because connectivity dropped.
func (s *Store) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE offq_operations SET status = ? WHERE id = ? AND status = ?
	`), string(op.StatusPending), id, string(op.StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s not in flight: %w", id, ErrNotFound)
	}
	return nil
}

// Remove deletes an operation that is not in flight, whatever its status.
// Used for terminal failures and corrupt records.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM offq_operations WHERE id = ? AND status <> ?
	`), id, string(op.StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.statusOf(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("operation %s: %w", id, ErrInFlight)
}

// Cancel removes a queued operation on user request.
// In-flight operations are refused with ErrInFlight; unknown, delivered and
// terminally failed operations return ErrNotFound.
func (s *Store) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.statusOf(ctx, id)
	if err != nil {
		return err
	}
	switch status {
	case op.StatusInFlight:
		return fmt.Errorf("operation %s: %w", id, ErrInFlight)
	case op.StatusFailedTerminal:
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM offq_operations WHERE id = ? AND status <> ?
	`), id, string(op.StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to cancel %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return nil
}

// recoverInFlight resets in_flight rows to pending.
// Returns the number of rows reset.
func (s *Store) recoverInFlight(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE offq_operations SET status = ? WHERE status = ?
	`), string(op.StatusPending), string(op.StatusInFlight))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// statusOf returns the raw status of id. Caller holds s.mu.
func (s *Store) statusOf(ctx context.Context, id string) (op.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT status FROM offq_operations WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status of %s: %w", id, err)
	}
	return op.Status(status), nil
}

// Discard deletes the row at seq unless it is in flight. Used for corrupt
// records whose id cannot be trusted.
func (s *Store) Discard(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM offq_operations WHERE seq = ? AND status <> ?
	`), seq, string(op.StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to discard seq %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("seq %d: %w", seq, ErrNotFound)
	}
	return nil
}
