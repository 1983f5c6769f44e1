package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/offq/internal/engine"
)

// evaluate checks every assertion and returns the failure messages.
func (h *Harness) evaluate(result *Result) []string {
	var failures []string
	for i, a := range h.scenario.Assertions {
		if err := h.check(a, result); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return failures
}

func (h *Harness) check(a Assertion, result *Result) error {
	switch a.Type {
	case AssertQueueSize:
		if result.QueueSize != a.Count {
			return fmt.Errorf("expected queue size %d, got %d", a.Count, result.QueueSize)
		}

	case AssertSubmissions:
		want := a.Aliases
		if want == nil {
			want = []string{}
		}
		if !slices.Equal(result.Submissions, want) {
			return fmt.Errorf("expected submissions [%s], got [%s]",
				strings.Join(want, " "), strings.Join(result.Submissions, " "))
		}

	case AssertSameKey:
		keys := h.keysFor(a.Alias)
		if len(keys) == 0 {
			return fmt.Errorf("%s was never submitted", a.Alias)
		}
		for _, k := range keys[1:] {
			if k != keys[0] {
				return fmt.Errorf("%s was submitted with keys %v", a.Alias, keys)
			}
		}

	case AssertNotSubmitted:
		if slices.Contains(result.Submissions, a.Alias) {
			return fmt.Errorf("%s was submitted", a.Alias)
		}

	case AssertTerminal:
		failures := h.eventsFor(a.Alias, engine.EventTerminalFailure)
		if len(failures) == 0 {
			return fmt.Errorf("%s did not fail terminally", a.Alias)
		}
		if len(failures) > 1 {
			return fmt.Errorf("%s failed terminally %d times", a.Alias, len(failures))
		}
		if a.Code != "" && (failures[0].Error == nil || string(failures[0].Error.Code) != a.Code) {
			return fmt.Errorf("expected code %s, got %v", a.Code, failures[0].Error)
		}
		if h.submittedAfterTerminal(a.Alias) {
			return fmt.Errorf("%s was submitted again after failing terminally", a.Alias)
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// keysFor returns the idempotency key of every submission of alias.
func (h *Harness) keysFor(alias string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var keys []string
	for _, c := range h.transport.Calls() {
		if h.aliasFor(c.ID) == alias {
			keys = append(keys, c.IdempotencyKey)
		}
	}
	return keys
}

// submittedAfterTerminal reports a submitting event for alias that follows
// its terminal failure.
func (h *Harness) submittedAfterTerminal(alias string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	failed := false
	for _, ev := range h.events {
		if ev.Operation == nil || h.aliasFor(ev.Operation.ID) != alias {
			continue
		}
		switch ev.Type {
		case engine.EventTerminalFailure:
			failed = true
		case engine.EventSubmitting:
			if failed {
				return true
			}
		}
	}
	return false
}
