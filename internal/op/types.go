package op

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the mutation type of an operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ValidKinds lists the accepted operation kinds.
var ValidKinds = map[Kind]bool{
	KindCreate: true,
	KindUpdate: true,
	KindDelete: true,
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !ValidKinds[k] {
		return "", fmt.Errorf("unknown operation kind %q: must be create, update or delete", s)
	}
	return k, nil
}

// Status is the delivery state of an operation in the log.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

// ValidStatuses lists the statuses a persisted record may carry.
var ValidStatuses = map[Status]bool{
	StatusPending:         true,
	StatusInFlight:        true,
	StatusFailedRetryable: true,
	StatusFailedTerminal:  true,
}

// Counted reports whether an operation in this status counts toward the
// user-visible queue size.
func (s Status) Counted() bool {
	return s == StatusPending || s == StatusInFlight || s == StatusFailedRetryable
}

// Operation is a queued mutation awaiting delivery.
type Operation struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"` // insertion order within the log
	IdempotencyKey string          `json:"idempotency_key"`
	Fingerprint    string          `json:"fingerprint,omitempty"`
	Kind           Kind            `json:"kind"`
	Resource       string          `json:"resource"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Status         Status          `json:"status"`
	LastError      string          `json:"last_error,omitempty"`
}

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid operation")

// Validate checks the fields a caller must supply before enqueue.
func (o Operation) Validate() error {
	if !ValidKinds[o.Kind] {
		return fmt.Errorf("%w: kind %q", ErrInvalid, o.Kind)
	}
	if strings.TrimSpace(o.Resource) == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalid)
	}
	if len(o.Payload) > 0 && !json.Valid(o.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}
	return nil
}

// String returns a short human-readable description used in logs and CLI output.
func (o Operation) String() string {
	return fmt.Sprintf("%s %s (%s, attempt %d, %s)", o.Kind, o.Resource, o.ID, o.Attempt, o.Status)
}
