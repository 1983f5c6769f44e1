package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrStorageExhausted means the log could not accept another record.
	ErrStorageExhausted = errors.New("store: storage exhausted")

	// ErrNotFound means no live operation has the given id.
	ErrNotFound = errors.New("store: operation not found")

	// ErrInFlight means the operation is currently being submitted.
	ErrInFlight = errors.New("store: operation in flight")
)

// CorruptRecordError reports a row that could not be decoded.
type CorruptRecordError struct {
	ID  string
	Seq int64
	Err error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("store: corrupt record %s (seq %d): %v", e.ID, e.Seq, e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err wraps a *CorruptRecordError.
func IsCorrupt(err error) bool {
	var c *CorruptRecordError
	return errors.As(err, &c)
}

// classifyWriteError maps driver capacity errors to ErrStorageExhausted.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", ErrStorageExhausted, err)
	}
	var pqErr *pq.Error
	// Class 53: insufficient resources (disk_full, out_of_memory, ...).
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "53" {
		return fmt.Errorf("%w: %v", ErrStorageExhausted, err)
	}
	return err
}
