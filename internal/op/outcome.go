package op

import "fmt"

// OutcomeKind is the tri-state result of a delivery attempt.
type OutcomeKind int

const (
	// Delivered means the remote accepted the operation.
	Delivered OutcomeKind = iota + 1
	// Retryable means the failure is presumed transient.
	Retryable
	// Terminal means the operation must not be retried.
	Terminal
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// FailureClass describes why an attempt failed.
// Classification is the transport adapter's responsibility.
type FailureClass string

const (
	ClassNone        FailureClass = ""
	ClassNetwork     FailureClass = "network"
	ClassTimeout     FailureClass = "timeout"
	ClassServer      FailureClass = "server"
	ClassRateLimited FailureClass = "rate_limited"
	ClassRejected    FailureClass = "rejected"
	ClassValidation  FailureClass = "validation"
	ClassInternal    FailureClass = "internal"
)

// Outcome is what a transport adapter reports for one submission.
type Outcome struct {
	Kind   OutcomeKind
	Class  FailureClass
	Reason string
}

// DeliveredOutcome reports a successful submission.
func DeliveredOutcome() Outcome {
	return Outcome{Kind: Delivered}
}

// RetryableOutcome reports a transient failure.
func RetryableOutcome(class FailureClass, reason string) Outcome {
	return Outcome{Kind: Retryable, Class: class, Reason: reason}
}

// TerminalOutcome reports a failure that must not be retried.
func TerminalOutcome(class FailureClass, reason string) Outcome {
	return Outcome{Kind: Terminal, Class: class, Reason: reason}
}

// NetworkClassified reports whether the failure came from the network path
// rather than the remote service. Only these failures let a fresh online
// transition cut a backoff wait short.
func (o Outcome) NetworkClassified() bool {
	return o.Kind == Retryable && (o.Class == ClassNetwork || o.Class == ClassTimeout)
}

func (o Outcome) String() string {
	if o.Kind == Delivered {
		return o.Kind.String()
	}
	if o.Reason == "" {
		return fmt.Sprintf("%s:%s", o.Kind, o.Class)
	}
	return fmt.Sprintf("%s:%s (%s)", o.Kind, o.Class, o.Reason)
}
