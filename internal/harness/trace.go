package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/offq/internal/engine"
)

// record is the drainer subscription. It runs on the emitting goroutine.
func (h *Harness) record(ev engine.Event) {
	if ev.Operation != nil {
		cp := *ev.Operation
		ev.Operation = &cp
	}
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

// traceLines renders the recorded events, numbered from 1 across restarts.
func (h *Harness) traceLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines := make([]string, 0, len(h.events))
	for i, ev := range h.events {
		lines = append(lines, fmt.Sprintf("%d %s", i+1, h.formatEvent(ev)))
	}
	return lines
}

func (h *Harness) formatEvent(ev engine.Event) string {
	var b strings.Builder
	b.WriteString(string(ev.Type))

	switch ev.Type {
	case engine.EventState:
		fmt.Fprintf(&b, " %s", ev.State)
	case engine.EventConnectivity:
		if ev.Online {
			b.WriteString(" online")
		} else {
			b.WriteString(" offline")
		}
	}

	if ev.Operation != nil {
		fmt.Fprintf(&b, " %s", h.aliasFor(ev.Operation.ID))
	}

	switch ev.Type {
	case engine.EventSubmitting:
		fmt.Fprintf(&b, " attempt=%d", ev.Operation.Attempt)
		return b.String()
	case engine.EventRetryScheduled:
		fmt.Fprintf(&b, " attempt=%d delay=%s", ev.Operation.Attempt, ev.Delay)
		if ev.Error != nil {
			fmt.Fprintf(&b, " class=%s", ev.Error.Details["class"])
		}
		return b.String()
	}

	if ev.Error != nil {
		fmt.Fprintf(&b, " code=%s", ev.Error.Code)
	}
	fmt.Fprintf(&b, " size=%d", ev.QueueSize)
	return b.String()
}

// eventsFor returns the recorded events of type typ for alias.
func (h *Harness) eventsFor(alias string, typ engine.EventType) []engine.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []engine.Event
	for _, ev := range h.events {
		if ev.Type == typ && ev.Operation != nil && h.aliasFor(ev.Operation.ID) == alias {
			out = append(out, ev)
		}
	}
	return out
}
