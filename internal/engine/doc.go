// Package engine implements the offq queue processor (the Drainer).
//
// The drainer pulls operations from the persistent log in insertion order,
// hands them to a Transport one at a time, and applies the backoff policy
// to retryable failures. It is the only component that moves operations
// through their lifecycle after enqueue.
//
// ARCHITECTURE:
//
// Single-Consumer Loop:
// One goroutine owns the state machine {Idle, Draining, BackoffWaiting}.
// Enqueue calls, connectivity transitions, manual triggers and the periodic
// wake all push signals onto a FIFO; the loop pops them between steps.
// Triggers that arrive while Draining or BackoffWaiting are coalesced.
//
// Step:
// 1. PeekHead (oldest non-terminal operation)
// 2. MarkInFlight, then Transport.Submit
// 3. Delivered: removed from the log, next head
// 4. Retryable: attempt+1, BackoffWaiting for policy.DelayFor(attempt-1)
// 5. Terminal: marked failed-terminal, surfaced as an event, removed
//
// Connectivity:
// Going offline cancels the in-flight Submit and returns the operation to
// pending without counting the attempt; a delivered result that still
// arrives is honoured. Going offline during a backoff suspends it; coming
// back online cuts the wait short only when the last failure was
// network-classified.
//
// Events:
// Every transition and outcome is emitted as an Event stamped from a
// logical Clock. Subscribers are the only way the rest of the application
// observes progress.
package engine
