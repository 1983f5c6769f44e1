// Package harness runs offq conformance scenarios.
//
// A scenario drives a real drainer over a real SQLite log with a scripted
// transport, then checks assertions against what the transport saw and
// what the log holds. The engine events observed during the run form a
// line-oriented trace that tests compare against golden files.
//
// # Scenario Format
//
//	name: retry_then_deliver
//	description: "C fails once, then succeeds with the same key"
//	config:
//	  max_attempts: 0
//	  max_operations: 10
//	transport:
//	  notes/c: ["retryable:server", "delivered"]
//	steps:
//	  - enqueue: {alias: A, resource: notes/a, payload: {title: a}}
//	  - enqueue: {alias: C, resource: notes/c}
//	  - online: true
//	  - wait_idle: true
//	assertions:
//	  - type: queue_size
//	    count: 0
//	  - type: submissions
//	    aliases: [A, C, C]
//	  - type: same_key
//	    alias: C
//
// # Steps
//
//   - enqueue: queue an operation under an alias; expect_error names the
//     RuntimeError code the call must fail with
//   - cancel: cancel an aliased operation; expect_error is in_flight or not_found
//   - online / offline: flip connectivity
//   - process: manual drain trigger
//   - await_submit: block until the transport has seen N submissions
//   - wait_idle: block until the drainer has settled
//   - restart: stop the drainer, reopen the log and start a fresh drainer
//
// # Transport Scripts
//
// Outcomes are consumed per resource in order; unscripted submissions are
// delivered. Each entry is delivered, hang, retryable:<class>[:reason] or
// terminal:<class>[:reason]. A hung submission only returns when the
// drainer abandons it.
//
// # Determinism
//
// The drainer is started offline and settled before the first step, with
// zero jitter, fixed IDs and a manual clock. Traces are reproducible as
// long as steps that let the drainer run asynchronously (online, process)
// are followed by wait_idle or await_submit before the next enqueue.
package harness
