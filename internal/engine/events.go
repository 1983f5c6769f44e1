package engine

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/offq/internal/op"
)

// State is the drainer's state machine position.
type State int

const (
	StateIdle State = iota
	StateDraining
	StateBackoffWaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateBackoffWaiting:
		return "backoff_waiting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateIdle, StateDraining, StateBackoffWaiting} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Syncing reports whether the presentation layer should show activity.
func (s State) Syncing() bool {
	return s != StateIdle
}

// EventType distinguishes event kinds.
type EventType string

const (
	EventState           EventType = "state"
	EventConnectivity    EventType = "connectivity"
	EventEnqueued        EventType = "enqueued"
	EventSubmitting      EventType = "submitting"
	EventDelivered       EventType = "delivered"
	EventRetryScheduled  EventType = "retry_scheduled"
	EventTerminalFailure EventType = "terminal_failure"
	EventReleased        EventType = "released"
	EventCancelled       EventType = "cancelled"
)

// Event is the only channel through which the rest of the application
// learns about progress.
type Event struct {
	Seq       int64         `json:"seq"`
	Type      EventType     `json:"type"`
	State     State         `json:"state"`
	QueueSize int           `json:"queue_size"`
	Syncing   bool          `json:"syncing"`
	Online    bool          `json:"online"`
	Operation *op.Operation `json:"operation,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Error     *RuntimeError `json:"error,omitempty"`
}

// subscribers fans events out in Seq order.
type subscribers struct {
	// emitMu serialises emission so delivery order matches Seq order.
	emitMu sync.Mutex

	mu     sync.Mutex
	fns    map[int]func(Event)
	nextID int
}

func newSubscribers() *subscribers {
	return &subscribers{fns: make(map[int]func(Event))}
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) snapshot() []func(Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Registration order.
	fns := make([]func(Event), 0, len(s.fns))
	for _, id := range slices.Sorted(maps.Keys(s.fns)) {
		fns = append(fns, s.fns[id])
	}
	return fns
}
