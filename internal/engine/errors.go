package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned by calls that need the drain loop running.
	ErrNotStarted = errors.New("engine: drainer not started")

	// ErrStopped is returned once the drainer has been stopped.
	ErrStopped = errors.New("engine: drainer stopped")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine: drainer already started")
)

// RuntimeError describes a failure the drainer surfaces to callers and
// subscribers.
//
// Runtime errors include:
//   - Storage exhausted: the log refused a new operation
//   - Terminal delivery: the remote rejected an operation
//   - Retryable delivery: a transient failure, retried after backoff
//   - Connectivity lost: an attempt was abandoned mid-flight
//   - Corrupt record: a log row could not be decoded
//   - Retry budget exhausted: MaxAttempts reached
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// OperationID identifies the affected operation, if any.
	OperationID string `json:"operation_id,omitempty"`

	// Details contains additional context.
	Details map[string]string `json:"details,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	ErrCodeStorageExhausted     RuntimeErrorCode = "STORAGE_EXHAUSTED"
	ErrCodeTerminalDelivery     RuntimeErrorCode = "TERMINAL_DELIVERY"
	ErrCodeRetryableDelivery    RuntimeErrorCode = "RETRYABLE_DELIVERY"
	ErrCodeConnectivityLost     RuntimeErrorCode = "CONNECTIVITY_LOST"
	ErrCodeCorruptRecord        RuntimeErrorCode = "CORRUPT_RECORD"
	ErrCodeRetryBudgetExhausted RuntimeErrorCode = "RETRY_BUDGET_EXHAUSTED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.OperationID != "" {
		return fmt.Sprintf("%s: %s (operation=%s)", e.Code, e.Message, e.OperationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsStorageExhausted returns true if enqueue failed because the log is full.
// Uses errors.As to handle wrapped errors.
func IsStorageExhausted(err error) bool {
	return hasCode(err, ErrCodeStorageExhausted)
}

// IsTerminal returns true for any failure that removes an operation without
// delivery: remote rejection, corrupt record or exhausted retry budget.
func IsTerminal(err error) bool {
	return hasCode(err, ErrCodeTerminalDelivery) ||
		hasCode(err, ErrCodeCorruptRecord) ||
		hasCode(err, ErrCodeRetryBudgetExhausted)
}

// IsRetryable returns true if the error describes a transient delivery failure.
func IsRetryable(err error) bool {
	return hasCode(err, ErrCodeRetryableDelivery)
}

// NewStorageExhaustedError wraps a log capacity failure.
func NewStorageExhaustedError(err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeStorageExhausted,
		Message: "operation log cannot accept another operation",
		Err:     err,
	}
}

// NewDeliveryError describes a failed submission.
func NewDeliveryError(opID string, terminal bool, class, reason string, attempt int) *RuntimeError {
	code := ErrCodeRetryableDelivery
	if terminal {
		code = ErrCodeTerminalDelivery
	}
	msg := class
	if reason != "" {
		msg = class + ": " + reason
	}
	return &RuntimeError{
		Code:        code,
		Message:     msg,
		OperationID: opID,
		Details: map[string]string{
			"class":   class,
			"attempt": fmt.Sprintf("%d", attempt),
		},
	}
}

// NewCorruptRecordError isolates an undecodable log row.
func NewCorruptRecordError(opID string, seq int64, err error) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeCorruptRecord,
		Message:     "operation record could not be decoded",
		OperationID: opID,
		Details: map[string]string{
			"seq": fmt.Sprintf("%d", seq),
		},
		Err: err,
	}
}

// NewRetryBudgetError reports an operation that hit MaxAttempts.
func NewRetryBudgetError(opID string, attempts, max int, last string) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeRetryBudgetExhausted,
		Message:     fmt.Sprintf("gave up after %d attempts (max %d)", attempts, max),
		OperationID: opID,
		Details: map[string]string{
			"attempts":     fmt.Sprintf("%d", attempts),
			"max_attempts": fmt.Sprintf("%d", max),
			"last_error":   last,
		},
	}
}

// NewConnectivityLostError reports an attempt abandoned when the network dropped.
func NewConnectivityLostError(opID string) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeConnectivityLost,
		Message:     "connectivity lost before the outcome was known",
		OperationID: opID,
	}
}
