package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offq/internal/op"
)

func TestEnqueue_AssignsIdentity(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := createTestStore(t,
		WithIDGenerator(op.NewFixedGenerator("op-1", "op-2")),
		WithClock(func() time.Time { return fixed }),
	)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, createTestOperation("notes", "k1"))
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, createTestOperation("notes", "k2"))
	require.NoError(t, err)

	assert.Equal(t, "op-1", first.ID)
	assert.Equal(t, "op-2", second.ID)
	assert.Less(t, first.Seq, second.Seq)
	assert.Equal(t, op.StatusPending, first.Status)
	assert.Equal(t, 0, first.Attempt)
	assert.True(t, fixed.Equal(first.EnqueuedAt))

	got, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestEnqueue_NilPayloadStoredAsNull(t *testing.T) {
	s := createTestStore(t)
	o := createTestOperation("notes/7", "k1")
	o.Kind = op.KindDelete
	o.Payload = nil

	got, err := s.Enqueue(context.Background(), o)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(got.Payload))
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	bad := createTestOperation("", "k1")
	_, err := s.Enqueue(ctx, bad)
	assert.Error(t, err)

	noKey := createTestOperation("notes", "")
	_, err = s.Enqueue(ctx, noKey)
	assert.Error(t, err)

	badJSON := createTestOperation("notes", "k1")
	badJSON.Payload = json.RawMessage(`{`)
	_, err = s.Enqueue(ctx, badJSON)
	assert.Error(t, err)

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEnqueue_StorageExhausted(t *testing.T) {
	s := createTestStore(t, WithMaxOperations(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Enqueue(ctx, createTestOperation("notes", fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}

	_, err := s.Enqueue(ctx, createTestOperation("notes", "k-overflow"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageExhausted)

	ops, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2, "rejected enqueue must leave the log unchanged")
	assert.Equal(t, "k0", ops[0].IdempotencyKey)
	assert.Equal(t, "k1", ops[1].IdempotencyKey)
}

func TestEnqueue_TerminalRowsDoNotTakeCapacity(t *testing.T) {
	s := createTestStore(t, WithMaxOperations(1))
	ctx := context.Background()

	first, err := s.Enqueue(ctx, createTestOperation("notes", "k-rejected"))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, first.ID))
	_, err = s.MarkFailed(ctx, first.ID, true, "status=422")
	require.NoError(t, err)

	size, err := s.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)

	_, err = s.Enqueue(ctx, createTestOperation("notes", "k-next"))
	require.NoError(t, err, "capacity follows Size")

	_, err = s.Enqueue(ctx, createTestOperation("notes", "k-overflow"))
	assert.ErrorIs(t, err, ErrStorageExhausted)
}

func TestClassifyWriteError(t *testing.T) {
	full := sqlite3.Error{Code: sqlite3.ErrFull}
	assert.ErrorIs(t, classifyWriteError(full), ErrStorageExhausted)

	other := errors.New("constraint failed")
	assert.Equal(t, other, classifyWriteError(other))
	assert.NoError(t, classifyWriteError(nil))
}

func TestEnqueue_ConcurrentUniqueSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := s.Enqueue(ctx, createTestOperation("notes", fmt.Sprintf("k%d", i)))
			if err != nil {
				t.Errorf("Enqueue: %v", err)
				return
			}
			seqs <- o.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)
}

func TestMarkInFlight(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.Enqueue(ctx, createTestOperation("notes", "k1"))
	require.NoError(t, err)

	require.NoError(t, s.MarkInFlight(ctx, o.ID))
	err = s.MarkInFlight(ctx, o.ID)
	assert.ErrorIs(t, err, ErrInFlight)

	err = s.MarkInFlight(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkFailed_IncrementsAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.Enqueue(ctx, createTestOperation("notes", "k1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, o.ID))

	got, err := s.MarkFailed(ctx, o.ID, false, "retryable:network")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, op.StatusFailedRetryable, got.Status)
	assert.Equal(t, "retryable:network", got.LastError)
	assert.Equal(t, o.IdempotencyKey, got.IdempotencyKey, "key survives retries")

	// A retryable operation can be attempted again.
	require.NoError(t, s.MarkInFlight(ctx, o.ID))
	got, err = s.MarkFailed(ctx, o.ID, true, "terminal:rejected")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, op.StatusFailedTerminal, got.Status)

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "terminal failures are not counted")

	terminal, err := s.ListTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, o.ID, terminal[0].ID)

	require.NoError(t, s.Remove(ctx, o.ID))
	terminal, err = s.ListTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, terminal)
}

func TestMarkDelivered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.Enqueue(ctx, createTestOperation("notes", "k1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, o.ID))
	require.NoError(t, s.MarkDelivered(ctx, o.ID))

	_, err = s.Get(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkDelivered(ctx, o.ID), ErrNotFound)
}

func TestRelease_KeepsAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.Enqueue(ctx, createTestOperation("notes", "k1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, o.ID))
	require.NoError(t, s.Release(ctx, o.ID))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, op.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempt)

	assert.ErrorIs(t, s.Release(ctx, o.ID), ErrNotFound, "only in-flight operations can be released")
}

func TestRemove_RefusesInFlight(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.Enqueue(ctx, createTestOperation("notes", "k1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, o.ID))

	assert.ErrorIs(t, s.Remove(ctx, o.ID), ErrInFlight)
	assert.ErrorIs(t, s.Remove(ctx, "missing"), ErrNotFound)
}

func TestCancel(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.Enqueue(ctx, createTestOperation("notes", "k1"))
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, createTestOperation("notes", "k2"))
	require.NoError(t, err)
	c, err := s.Enqueue(ctx, createTestOperation("notes", "k3"))
	require.NoError(t, err)

	t.Run("pending", func(t *testing.T) {
		require.NoError(t, s.Cancel(ctx, b.ID))
		_, err := s.Get(ctx, b.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("in flight", func(t *testing.T) {
		require.NoError(t, s.MarkInFlight(ctx, a.ID))
		assert.ErrorIs(t, s.Cancel(ctx, a.ID), ErrInFlight)
	})

	t.Run("retryable", func(t *testing.T) {
		require.NoError(t, s.MarkInFlight(ctx, c.ID))
		_, err := s.MarkFailed(ctx, c.ID, false, "retryable:server")
		require.NoError(t, err)
		require.NoError(t, s.Cancel(ctx, c.ID))
	})

	t.Run("unknown", func(t *testing.T) {
		assert.ErrorIs(t, s.Cancel(ctx, "nope"), ErrNotFound)
	})

	ops, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, a.ID, ops[0].ID)
}

func TestCancel_TerminalIsNotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.Enqueue(ctx, createTestOperation("notes", "k1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, o.ID))
	_, err = s.MarkFailed(ctx, o.ID, true, "terminal:rejected")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Cancel(ctx, o.ID), ErrNotFound)
}
