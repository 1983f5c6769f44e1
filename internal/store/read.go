package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/offq/internal/op"
)

const operationColumns = `seq, id, idempotency_key, fingerprint, kind, resource, payload, attempt, enqueued_at, status, last_error`

// rawRow holds a row as stored, before validation.
// Everything but seq is scanned as text so one bad column cannot hide the
// row's identity.
type rawRow struct {
	seq            int64
	id             sql.NullString
	idempotencyKey sql.NullString
	fingerprint    sql.NullString
	kind           sql.NullString
	resource       sql.NullString
	payload        sql.NullString
	attempt        sql.NullString
	enqueuedAt     sql.NullString
	status         sql.NullString
	lastError      sql.NullString
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRaw(sc scanner) (rawRow, error) {
	var r rawRow
	err := sc.Scan(&r.seq, &r.id, &r.idempotencyKey, &r.fingerprint, &r.kind, &r.resource,
		&r.payload, &r.attempt, &r.enqueuedAt, &r.status, &r.lastError)
	return r, err
}

// decode validates a raw row. On failure the returned operation still
// carries ID and Seq, and the error is a *CorruptRecordError.
func (r rawRow) decode() (op.Operation, error) {
	o := op.Operation{
		ID:             r.id.String,
		Seq:            r.seq,
		IdempotencyKey: r.idempotencyKey.String,
		Fingerprint:    r.fingerprint.String,
		Kind:           op.Kind(r.kind.String),
		Resource:       r.resource.String,
		Status:         op.Status(r.status.String),
		LastError:      r.lastError.String,
	}
	corrupt := func(format string, args ...any) (op.Operation, error) {
		return o, &CorruptRecordError{ID: o.ID, Seq: o.Seq, Err: fmt.Errorf(format, args...)}
	}

	if o.ID == "" {
		return corrupt("missing id")
	}
	if !op.ValidKinds[o.Kind] {
		return corrupt("unknown kind %q", o.Kind)
	}
	if !op.ValidStatuses[o.Status] {
		return corrupt("unknown status %q", o.Status)
	}
	if o.IdempotencyKey == "" {
		return corrupt("missing idempotency key")
	}
	if !r.payload.Valid || !json.Valid([]byte(r.payload.String)) {
		return corrupt("payload is not valid JSON")
	}
	o.Payload = json.RawMessage(r.payload.String)

	attempt, err := strconv.Atoi(r.attempt.String)
	if err != nil || attempt < 0 {
		return corrupt("bad attempt %q", r.attempt.String)
	}
	o.Attempt = attempt

	nanos, err := strconv.ParseInt(r.enqueuedAt.String, 10, 64)
	if err != nil {
		return corrupt("bad enqueued_at %q", r.enqueuedAt.String)
	}
	o.EnqueuedAt = time.Unix(0, nanos).UTC()

	return o, nil
}

// PeekHead returns the oldest operation that has not failed terminally.
// ok is false when the log holds no such operation.
//
// A head row that cannot be decoded is returned with a *CorruptRecordError
// and its ID set, so the caller can fail it instead of stalling.
func (s *Store) PeekHead(ctx context.Context) (o op.Operation, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+operationColumns+`
		FROM offq_operations
		WHERE status <> ?
		ORDER BY seq ASC
		LIMIT 1
	`), string(op.StatusFailedTerminal))

	raw, err := scanRaw(row)
	if errors.Is(err, sql.ErrNoRows) {
		return op.Operation{}, false, nil
	}
	if err != nil {
		return op.Operation{}, false, fmt.Errorf("failed to read queue head: %w", err)
	}
	o, err = raw.decode()
	return o, true, err
}

// Get returns the operation with the given id.
func (s *Store) Get(ctx context.Context, id string) (op.Operation, error) {
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (op.Operation, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+operationColumns+` FROM offq_operations WHERE id = ?
	`), id)
	raw, err := scanRaw(row)
	if errors.Is(err, sql.ErrNoRows) {
		return op.Operation{}, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return op.Operation{}, fmt.Errorf("failed to read operation %s: %w", id, err)
	}
	return raw.decode()
}

// List returns every queued operation (pending, in flight or awaiting retry)
// in insertion order. Corrupt rows are logged and skipped.
func (s *Store) List(ctx context.Context) ([]op.Operation, error) {
	return s.listWhere(ctx, `status IN (?, ?, ?)`,
		string(op.StatusPending), string(op.StatusInFlight), string(op.StatusFailedRetryable))
}

// ListTerminal returns operations that failed terminally and have not yet
// been surfaced and removed.
func (s *Store) ListTerminal(ctx context.Context) ([]op.Operation, error) {
	return s.listWhere(ctx, `status = ?`, string(op.StatusFailedTerminal))
}

func (s *Store) listWhere(ctx context.Context, where string, args ...any) ([]op.Operation, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+operationColumns+`
		FROM offq_operations
		WHERE `+where+`
		ORDER BY seq ASC
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []op.Operation
	for rows.Next() {
		raw, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		o, err := raw.decode()
		if err != nil {
			s.logger.Warn("skipping corrupt operation", "id", o.ID, "seq", o.Seq, "error", err)
			continue
		}
		ops = append(ops, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}

// Size returns the number of queued operations: pending, in flight or
// awaiting retry. Terminal failures are not counted.
func (s *Store) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT COUNT(*) FROM offq_operations WHERE status IN (?, ?, ?)
	`), string(op.StatusPending), string(op.StatusInFlight), string(op.StatusFailedRetryable)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}
