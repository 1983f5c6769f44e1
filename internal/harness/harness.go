package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/offq/internal/backoff"
	"github.com/roach88/offq/internal/connectivity"
	"github.com/roach88/offq/internal/engine"
	"github.com/roach88/offq/internal/idem"
	"github.com/roach88/offq/internal/op"
	"github.com/roach88/offq/internal/store"
	"github.com/roach88/offq/internal/testutil"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace holds one line per engine event, in emission order.
	Trace []string `json:"trace"`

	// Submissions lists the alias of every transport call, in order.
	Submissions []string `json:"submissions"`

	// QueueSize is the log's queue size after the last step.
	QueueSize int `json:"queue_size"`

	Errors []string `json:"errors,omitempty"`
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Harness holds the state of one scenario run.
type Harness struct {
	scenario *Scenario
	dbPath   string
	timeout  time.Duration

	clock     *testutil.ManualClock
	ids       *testutil.Sequence
	intents   *testutil.Sequence
	issuer    *idem.Issuer
	transport *testutil.ScriptedTransport
	monitor   *connectivity.Monitor
	policy    backoff.Policy

	store   *store.Store
	drainer *engine.Drainer

	mu      sync.Mutex
	aliases map[string]string // alias -> operation ID
	byID    map[string]string // operation ID -> alias
	events  []engine.Event
}

// Run executes a scenario against a fresh log in a temporary directory.
// The returned error reports a harness failure (the scenario could not be
// run); assertion and step failures are recorded in the Result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "offq-harness-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, err
	}
	if err := h.start(); err != nil {
		return nil, err
	}

	result := &Result{Pass: true}
	h.execute(result)
	size, sizeErr := h.store.Size(context.Background())
	h.shutdown()
	if sizeErr != nil {
		return nil, fmt.Errorf("failed to read final queue size: %w", sizeErr)
	}
	result.QueueSize = size

	result.Trace = h.traceLines()
	result.Submissions = h.submissionAliases()
	if result.Submissions == nil {
		result.Submissions = []string{}
	}
	for _, msg := range h.evaluate(result) {
		result.AddError("%s", msg)
	}
	return result, nil
}

func newHarness(s *Scenario, dbPath string) (*Harness, error) {
	base, max, err := s.Config.durations()
	if err != nil {
		return nil, err
	}
	timeout := DefaultStepTimeout
	if s.Timeout != "" {
		timeout, _ = time.ParseDuration(s.Timeout)
	}

	clock := testutil.NewManualClock(time.Time{})
	h := &Harness{
		scenario:  s,
		dbPath:    dbPath,
		timeout:   timeout,
		clock:     clock,
		ids:       testutil.NewSequence("op"),
		intents:   testutil.NewSequence("intent"),
		issuer:    idem.NewIssuer(idem.WithClock(clock.Now)),
		transport: testutil.NewScriptedTransport(),
		monitor:   connectivity.NewMonitor(false),
		policy: backoff.Policy{
			Base:        base,
			Max:         max,
			MaxAttempts: s.Config.MaxAttempts,
		},
		aliases: make(map[string]string),
		byID:    make(map[string]string),
	}

	for resource, outcomes := range s.Transport {
		for _, raw := range outcomes {
			o, err := ParseOutcome(raw)
			if err != nil {
				return nil, err
			}
			if o.Hang {
				h.transport.Hang(resource)
			} else {
				h.transport.Script(resource, o.Outcome)
			}
		}
	}
	return h, nil
}

// start opens the log and starts a drainer, then waits for it to settle
// so the first step sees a quiet loop.
func (h *Harness) start() error {
	storeOpts := []store.Option{
		store.WithIDGenerator(h.ids),
		store.WithClock(h.clock.Now),
	}
	if h.scenario.Config.MaxOperations > 0 {
		storeOpts = append(storeOpts, store.WithMaxOperations(h.scenario.Config.MaxOperations))
	}
	st, err := store.Open(h.dbPath, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}

	d := engine.New(st, h.transport, h.monitor,
		engine.WithPolicy(h.policy),
		engine.WithIssuer(h.issuer),
		engine.WithWakeInterval(0),
		engine.WithIntentSource(h.intents.Next),
	)
	d.Subscribe(h.record)
	if err := d.Start(context.Background()); err != nil {
		st.Close()
		return fmt.Errorf("failed to start drainer: %w", err)
	}
	h.store, h.drainer = st, d

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := d.WaitIdle(ctx); err != nil {
		return fmt.Errorf("drainer did not settle: %w", err)
	}
	return nil
}

func (h *Harness) shutdown() {
	if h.drainer != nil {
		h.drainer.Stop()
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			slog.Warn("failed to close scenario log", "error", err)
		}
	}
}

func (h *Harness) execute(result *Result) {
	for i, step := range h.scenario.Steps {
		if err := h.executeStep(step); err != nil {
			result.AddError("steps[%d] %s: %v", i, step.Action(), err)
			return
		}
	}
}

func (h *Harness) executeStep(step Step) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch step.Action() {
	case "enqueue":
		return h.enqueue(ctx, step.Enqueue)
	case "cancel":
		return h.cancel(ctx, step.Cancel)
	case "online":
		h.monitor.Set(true)
	case "offline":
		h.monitor.Set(false)
	case "process":
		h.drainer.ProcessQueue()
	case "await_submit":
		return h.transport.Await(ctx, step.AwaitSubmit)
	case "wait_idle":
		return h.drainer.WaitIdle(ctx)
	case "restart":
		h.shutdown()
		h.store, h.drainer = nil, nil
		return h.start()
	default:
		return fmt.Errorf("exactly one action is required")
	}
	return nil
}

func (h *Harness) enqueue(ctx context.Context, e *EnqueueStep) error {
	kind := op.KindCreate
	if e.Kind != "" {
		kind, _ = op.ParseKind(e.Kind)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	stored, err := h.drainer.Enqueue(ctx, engine.Request{
		Kind:     kind,
		Resource: e.Resource,
		Payload:  payload,
		Intent:   e.Intent,
	})
	if e.ExpectError != "" {
		var rerr *engine.RuntimeError
		if err == nil {
			return fmt.Errorf("expected error %s, enqueue succeeded", e.ExpectError)
		}
		if !errors.As(err, &rerr) || string(rerr.Code) != e.ExpectError {
			return fmt.Errorf("expected error %s, got %v", e.ExpectError, err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.aliases[e.Alias] = stored.ID
	h.byID[stored.ID] = e.Alias
	h.mu.Unlock()
	return nil
}

func (h *Harness) cancel(ctx context.Context, c *CancelStep) error {
	h.mu.Lock()
	id := h.aliases[c.Alias]
	h.mu.Unlock()

	err := h.drainer.Cancel(ctx, id)
	switch c.ExpectError {
	case "":
		return err
	case "in_flight":
		if !errors.Is(err, store.ErrInFlight) {
			return fmt.Errorf("expected in_flight, got %v", err)
		}
	case "not_found":
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("expected not_found, got %v", err)
		}
	}
	return nil
}

// aliasFor returns the alias of id, or id itself when unaliased.
func (h *Harness) aliasFor(id string) string {
	if alias, ok := h.byID[id]; ok {
		return alias
	}
	return id
}

func (h *Harness) submissionAliases() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.transport.Calls() {
		out = append(out, h.aliasFor(c.ID))
	}
	return out
}
