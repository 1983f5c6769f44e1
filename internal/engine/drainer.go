package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offq/internal/backoff"
	"github.com/roach88/offq/internal/connectivity"
	"github.com/roach88/offq/internal/idem"
	"github.com/roach88/offq/internal/op"
	"github.com/roach88/offq/internal/store"
)

// DefaultWakeInterval is the safety-net wake for missed signals.
const DefaultWakeInterval = 30 * time.Second

// Transport performs the remote call for one operation.
//
// Implementations must be safe to call repeatedly with the same idempotency
// key and should return promptly when ctx is cancelled.
type Transport interface {
	Submit(ctx context.Context, o op.Operation) op.Outcome
}

// Log is the persistent operation log the drainer works from.
// Implemented by *store.Store.
type Log interface {
	Enqueue(ctx context.Context, o op.Operation) (op.Operation, error)
	PeekHead(ctx context.Context) (op.Operation, bool, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, terminal bool, reason string) (op.Operation, error)
	Release(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Discard(ctx context.Context, seq int64) error
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context) ([]op.Operation, error)
	ListTerminal(ctx context.Context) ([]op.Operation, error)
	Size(ctx context.Context) (int, error)
}

// Connectivity is the online/offline source.
// Implemented by *connectivity.Monitor.
type Connectivity interface {
	IsOnline() bool
	OnChange(fn connectivity.Listener) (unsubscribe func())
}

// Drainer is the single-consumer processing loop for one queue.
//
// One goroutine (started by Start) owns the state machine and is the only
// caller of Transport.Submit, so at most one operation is ever in flight.
// Everything else talks to it through the signal queue.
//
// Thread-safety model:
//   - Enqueue, Cancel, ProcessQueue, WaitIdle, Status, Subscribe: any goroutine
//   - Start/Stop: once each, from the owning session
type Drainer struct {
	log       Log
	transport Transport
	conn      Connectivity
	issuer    *idem.Issuer
	policy    backoff.Policy
	clock     *Clock
	signals   *signalQueue
	subs      *subscribers

	wakeInterval time.Duration
	maxAttempts  int
	newIntent    func() string
	now          func() time.Time

	// offline is poked by the connectivity listener so an in-flight
	// submission can be abandoned without waiting for the loop.
	offline chan struct{}

	mu      sync.Mutex
	state   State
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	unsub   func()

	// Loop-owned.
	retry    retryState
	timer    *time.Timer
	barriers []chan struct{}
}

// retryState remembers the backoff for the head across suspensions.
// id is empty when the backoff follows a log error rather than a delivery.
type retryState struct {
	active  bool
	id      string
	until   time.Time
	network bool
}

// Option configures a Drainer.
type Option func(*Drainer)

// WithPolicy sets the backoff policy.
func WithPolicy(p backoff.Policy) Option {
	return func(d *Drainer) {
		d.policy = p
	}
}

// WithMaxAttempts caps delivery attempts per operation. Zero means retry
// forever, which is the default.
func WithMaxAttempts(n int) Option {
	return func(d *Drainer) {
		d.maxAttempts = n
	}
}

// WithIssuer sets the idempotency key issuer.
func WithIssuer(i *idem.Issuer) Option {
	return func(d *Drainer) {
		d.issuer = i
	}
}

// WithWakeInterval sets the periodic wake. Zero disables it.
func WithWakeInterval(interval time.Duration) Option {
	return func(d *Drainer) {
		d.wakeInterval = interval
	}
}

// WithIntentSource overrides how fresh intent nonces are minted (tests).
func WithIntentSource(fn func() string) Option {
	return func(d *Drainer) {
		d.newIntent = fn
	}
}

// New creates a drainer over log, delivering through transport while conn
// reports online.
func New(log Log, transport Transport, conn Connectivity, opts ...Option) *Drainer {
	d := &Drainer{
		log:          log,
		transport:    transport,
		conn:         conn,
		policy:       backoff.Default(),
		clock:        NewClock(),
		signals:      newSignalQueue(),
		subs:         newSubscribers(),
		wakeInterval: DefaultWakeInterval,
		newIntent:    op.NewIntent,
		now:          time.Now,
		offline:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.issuer == nil {
		d.issuer = idem.NewIssuer()
	}
	if d.maxAttempts > 0 {
		d.policy.MaxAttempts = d.maxAttempts
	}
	return d
}

// Start launches the drain loop. The loop runs until Stop or until ctx is
// cancelled. A stopped drainer cannot be restarted; build a new one.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return ErrAlreadyStarted
	}
	if err := d.policy.Validate(); err != nil {
		return fmt.Errorf("invalid backoff policy: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.started = true
	d.unsub = d.conn.OnChange(d.onConnectivity)

	slog.Info("drainer starting", "online", d.conn.IsOnline(), "max_attempts", d.policy.MaxAttempts)
	go d.run(loopCtx)
	return nil
}

// Stop halts the loop and waits for it to exit. An attempt in flight is
// cancelled and its operation returned to pending.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.stopped = true
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel, done, unsub := d.cancel, d.done, d.unsub
	d.mu.Unlock()

	unsub()
	cancel()
	<-done

	// Pending barriers observe done and return ErrStopped.
	d.signals.Close()
	slog.Info("drainer stopped")
}

func (d *Drainer) onConnectivity(online bool) {
	if online {
		d.signals.Push(signal{kind: signalOnline})
		return
	}
	select {
	case d.offline <- struct{}{}:
	default:
	}
	d.signals.Push(signal{kind: signalOffline})
}

// ProcessQueue asks the loop to drain now. Coalesced while already busy.
func (d *Drainer) ProcessQueue() {
	d.signals.Push(signal{kind: signalManual})
}

// WaitIdle blocks until the loop has handled every signal queued before the
// call and is Idle. Returns ErrNotStarted or ErrStopped if there is no loop.
func (d *Drainer) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	started, stopped, done := d.started, d.stopped, d.done
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	reply := make(chan struct{})
	if !d.signals.Push(signal{kind: signalBarrier, reply: reply}) {
		return ErrStopped
	}
	select {
	case <-reply:
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for every event. fn runs on the emitting goroutine
// and must not block or call back into the drainer.
func (d *Drainer) Subscribe(fn func(Event)) (unsubscribe func()) {
	return d.subs.add(fn)
}

// State returns the current state machine position.
func (d *Drainer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Drainer) setState(ctx context.Context, s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev == s {
		return
	}
	slog.Debug("drainer state", "from", prev, "to", s)
	d.emit(ctx, Event{Type: EventState})
}

// emit stamps and fans out an event. QueueSize, Syncing, Online and State
// are filled from current state.
func (d *Drainer) emit(ctx context.Context, ev Event) {
	size, err := d.log.Size(context.WithoutCancel(ctx))
	if err != nil {
		slog.Warn("failed to read queue size for event", "error", err)
		size = -1
	}

	d.subs.emitMu.Lock()
	defer d.subs.emitMu.Unlock()

	ev.Seq = d.clock.Next()
	ev.State = d.State()
	ev.Syncing = ev.State.Syncing()
	ev.Online = d.conn.IsOnline()
	ev.QueueSize = size
	for _, fn := range d.subs.snapshot() {
		fn(ev)
	}
}

// run is the drain loop. Single goroutine.
func (d *Drainer) run(ctx context.Context) {
	defer close(d.done)
	defer d.stopTimer()

	var tick <-chan time.Time
	if d.wakeInterval > 0 {
		ticker := time.NewTicker(d.wakeInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	d.surfaceTerminal(ctx)
	d.wake(ctx, signalTick)

	for {
		if ctx.Err() != nil {
			slog.Debug("drain loop exiting", "reason", ctx.Err())
			return
		}

		if s, ok := d.signals.TryPop(); ok {
			d.handle(ctx, s)
			continue
		}

		if d.State() == StateDraining {
			d.step(ctx)
			continue
		}
		d.answerBarriers()

		var timerC <-chan time.Time
		if d.timer != nil {
			timerC = d.timer.C
		}

		select {
		case <-ctx.Done():
			continue
		case _, ok := <-d.signals.Wait():
			if !ok {
				return
			}
		case <-timerC:
			d.timer = nil
			d.backoffElapsed(ctx)
		case <-tick:
			d.signals.Push(signal{kind: signalTick})
		}
	}
}

func (d *Drainer) handle(ctx context.Context, s signal) {
	switch s.kind {
	case signalBarrier:
		d.barriers = append(d.barriers, s.reply)
	case signalOffline:
		d.emit(ctx, Event{Type: EventConnectivity})
		d.suspend(ctx)
	case signalOnline:
		d.emit(ctx, Event{Type: EventConnectivity})
		d.wake(ctx, s.kind)
	case signalTick:
		if n := d.issuer.Sweep(); n > 0 {
			slog.Debug("expired idempotency keys swept", "count", n)
		}
		d.wake(ctx, s.kind)
	default:
		d.wake(ctx, s.kind)
	}
}

// answerBarriers releases WaitIdle callers once no signal is pending and
// the loop is Idle.
func (d *Drainer) answerBarriers() {
	if len(d.barriers) == 0 || d.State() != StateIdle {
		return
	}
	for _, reply := range d.barriers {
		close(reply)
	}
	d.barriers = nil
}

// wake moves an Idle loop toward draining. Triggers arriving while
// Draining or BackoffWaiting are coalesced, except a fresh online
// transition, which cuts a backoff short when the last failure came from
// the network path.
func (d *Drainer) wake(ctx context.Context, reason signalKind) {
	if !d.conn.IsOnline() {
		return
	}
	shortCircuit := reason == signalOnline && d.retry.network

	switch d.State() {
	case StateDraining:
		return
	case StateBackoffWaiting:
		switch {
		case shortCircuit:
			slog.Debug("online transition cuts backoff short")
		case d.retryStale(ctx):
			slog.Debug("backoff dropped: head changed", "id", d.retry.id)
		default:
			return
		}
		d.stopTimer()
		d.retry = retryState{}
		d.setState(ctx, StateDraining)
		return
	}

	if d.retryStale(ctx) {
		d.retry = retryState{}
	}
	if !d.hasWork(ctx) {
		return
	}
	if d.retry.active && !shortCircuit {
		if remaining := d.retry.until.Sub(d.now()); remaining > 0 {
			d.armTimer(remaining)
			d.setState(ctx, StateBackoffWaiting)
			return
		}
	}
	d.retry = retryState{}
	d.setState(ctx, StateDraining)
}

// suspend parks the loop at the current head when connectivity drops.
// A pending backoff is remembered so the head is not retried early.
func (d *Drainer) suspend(ctx context.Context) {
	if d.conn.IsOnline() {
		return
	}
	d.stopTimer()
	d.setState(ctx, StateIdle)
}

func (d *Drainer) backoffElapsed(ctx context.Context) {
	if d.State() != StateBackoffWaiting {
		return
	}
	d.retry = retryState{}
	if !d.conn.IsOnline() {
		d.setState(ctx, StateIdle)
		return
	}
	d.setState(ctx, StateDraining)
}

// retryStale reports whether the remembered backoff belongs to an
// operation that is no longer the head, e.g. after a cancel.
func (d *Drainer) retryStale(ctx context.Context) bool {
	if !d.retry.active || d.retry.id == "" {
		return false
	}
	head, ok, err := d.log.PeekHead(ctx)
	if err != nil {
		return false
	}
	return !ok || head.ID != d.retry.id
}

func (d *Drainer) hasWork(ctx context.Context) bool {
	_, ok, err := d.log.PeekHead(ctx)
	return ok || err != nil
}

func (d *Drainer) armTimer(delay time.Duration) {
	d.stopTimer()
	d.timer = time.NewTimer(delay)
}

func (d *Drainer) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Drainer) enterBackoff(ctx context.Context, id string, delay time.Duration, network bool) {
	d.retry = retryState{active: true, id: id, until: d.now().Add(delay), network: network}
	d.armTimer(delay)
	d.setState(ctx, StateBackoffWaiting)
}

// step processes the head of the log once.
func (d *Drainer) step(ctx context.Context) {
	if !d.conn.IsOnline() {
		d.setState(ctx, StateIdle)
		return
	}

	head, ok, err := d.log.PeekHead(ctx)
	if err != nil {
		var corrupt *store.CorruptRecordError
		if errors.As(err, &corrupt) {
			d.failCorrupt(ctx, head, corrupt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		slog.Error("failed to read queue head", "error", err)
		d.enterBackoff(ctx, "", d.policy.DelayFor(0), false)
		return
	}
	if !ok {
		d.setState(ctx, StateIdle)
		return
	}

	if head.Status == op.StatusInFlight {
		// Left by an abandoned attempt in another session.
		if err := d.log.Release(ctx, head.ID); err != nil {
			slog.Error("failed to release stale in-flight operation", "id", head.ID, "error", err)
			d.enterBackoff(ctx, "", d.policy.DelayFor(0), false)
			return
		}
		head.Status = op.StatusPending
	}

	if d.policy.Exhausted(head.Attempt) {
		// No attempt is made, so none is counted.
		head.Status = op.StatusFailedTerminal
		d.surface(ctx, head, NewRetryBudgetError(head.ID, head.Attempt, d.policy.MaxAttempts, head.LastError))
		return
	}

	if err := d.log.MarkInFlight(ctx, head.ID); err != nil {
		if ctx.Err() != nil || errors.Is(err, store.ErrNotFound) {
			// Cancelled between peek and mark; re-read the head.
			return
		}
		slog.Error("failed to mark operation in flight", "id", head.ID, "error", err)
		d.enterBackoff(ctx, "", d.policy.DelayFor(0), false)
		return
	}
	head.Status = op.StatusInFlight

	d.emit(ctx, Event{Type: EventSubmitting, Operation: &head})
	slog.Debug("submitting operation", "id", head.ID, "kind", head.Kind, "resource", head.Resource, "attempt", head.Attempt)

	outcome, abandoned := d.submit(ctx, head)
	wctx := context.WithoutCancel(ctx)

	if abandoned && outcome.Kind != op.Delivered {
		if err := d.log.Release(wctx, head.ID); err != nil {
			slog.Error("failed to release abandoned operation", "id", head.ID, "error", err)
		}
		head.Status = op.StatusPending
		slog.Info("attempt abandoned", "id", head.ID, "reason", "connectivity lost")
		d.emit(ctx, Event{Type: EventReleased, Operation: &head, Error: NewConnectivityLostError(head.ID)})
		if ctx.Err() == nil {
			d.setState(ctx, StateIdle)
		}
		return
	}

	switch outcome.Kind {
	case op.Delivered:
		if err := d.log.MarkDelivered(wctx, head.ID); err != nil {
			slog.Error("failed to remove delivered operation", "id", head.ID, "error", err)
			d.enterBackoff(ctx, "", d.policy.DelayFor(0), false)
			return
		}
		slog.Info("operation delivered", "id", head.ID, "kind", head.Kind, "resource", head.Resource, "attempt", head.Attempt)
		d.emit(ctx, Event{Type: EventDelivered, Operation: &head})

	case op.Retryable:
		if d.policy.Exhausted(head.Attempt + 1) {
			failed, err := d.log.MarkFailed(wctx, head.ID, true, outcome.String())
			if err != nil {
				slog.Error("failed to record terminal failure", "id", head.ID, "error", err)
				failed = head
			}
			d.surface(ctx, failed, NewRetryBudgetError(head.ID, failed.Attempt, d.policy.MaxAttempts, outcome.String()))
			return
		}
		failed, err := d.log.MarkFailed(wctx, head.ID, false, outcome.String())
		if err != nil {
			slog.Error("failed to record retryable failure", "id", head.ID, "error", err)
			d.enterBackoff(ctx, "", d.policy.DelayFor(0), false)
			return
		}
		delay := d.policy.DelayFor(failed.Attempt - 1)
		slog.Info("retry scheduled", "id", head.ID, "attempt", failed.Attempt, "delay", delay, "outcome", outcome)
		d.emit(ctx, Event{
			Type:      EventRetryScheduled,
			Operation: &failed,
			Delay:     delay,
			Error:     NewDeliveryError(head.ID, false, string(outcome.Class), outcome.Reason, failed.Attempt),
		})
		if ctx.Err() == nil {
			d.enterBackoff(ctx, head.ID, delay, outcome.NetworkClassified())
		}

	default:
		d.failTerminal(ctx, head, NewDeliveryError(head.ID, true, string(outcome.Class), outcome.Reason, head.Attempt+1))
	}
}

// submit runs one Transport call. If connectivity drops or the loop is
// stopped first, the call's context is cancelled and abandoned is true; the
// adapter's result is still awaited so a late success is honoured.
func (d *Drainer) submit(ctx context.Context, o op.Operation) (outcome op.Outcome, abandoned bool) {
	// Discard a stale offline poke from before this attempt.
	select {
	case <-d.offline:
	default:
	}
	if !d.conn.IsOnline() {
		return op.Outcome{}, true
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan op.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("transport panicked", "id", o.ID, "panic", r)
				result <- op.TerminalOutcome(op.ClassInternal, fmt.Sprintf("transport panic: %v", r))
			}
		}()
		result <- d.transport.Submit(subCtx, o)
	}()

	select {
	case outcome = <-result:
		return outcome, false
	case <-d.offline:
		slog.Info("connectivity lost mid-flight", "id", o.ID)
	case <-ctx.Done():
	}
	cancel()
	return <-result, true
}

// failTerminal marks head failed-terminal, surfaces it, then removes it.
func (d *Drainer) failTerminal(ctx context.Context, head op.Operation, rerr *RuntimeError) {
	wctx := context.WithoutCancel(ctx)
	failed, err := d.log.MarkFailed(wctx, head.ID, true, rerr.Message)
	if err != nil {
		slog.Error("failed to record terminal failure", "id", head.ID, "error", err)
		failed = head
		failed.Status = op.StatusFailedTerminal
	}
	d.surface(ctx, failed, rerr)
}

// surface reports a terminal failure to subscribers, then drops it from
// the log. Draining continues with the next head.
func (d *Drainer) surface(ctx context.Context, failed op.Operation, rerr *RuntimeError) {
	slog.Warn("operation failed terminally",
		"id", failed.ID,
		"kind", failed.Kind,
		"resource", failed.Resource,
		"code", rerr.Code,
		"reason", rerr.Message,
	)
	d.emit(ctx, Event{Type: EventTerminalFailure, Operation: &failed, Error: rerr})

	if err := d.log.Remove(context.WithoutCancel(ctx), failed.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to remove terminal operation", "id", failed.ID, "error", err)
	}
}

// failCorrupt isolates an undecodable head so later operations proceed.
func (d *Drainer) failCorrupt(ctx context.Context, head op.Operation, cerr *store.CorruptRecordError) {
	rerr := NewCorruptRecordError(cerr.ID, cerr.Seq, cerr)
	slog.Error("corrupt operation record", "id", cerr.ID, "seq", cerr.Seq, "error", cerr.Err)
	d.emit(ctx, Event{Type: EventTerminalFailure, Operation: &head, Error: rerr})

	if err := d.log.Discard(context.WithoutCancel(ctx), cerr.Seq); err != nil {
		slog.Error("failed to discard corrupt record", "seq", cerr.Seq, "error", err)
		d.enterBackoff(ctx, "", d.policy.DelayFor(0), false)
	}
}

// surfaceTerminal reports rows left failed-terminal by an earlier session.
func (d *Drainer) surfaceTerminal(ctx context.Context) {
	leftovers, err := d.log.ListTerminal(ctx)
	if err != nil {
		slog.Error("failed to list terminal operations", "error", err)
		return
	}
	for _, o := range leftovers {
		d.surface(ctx, o, NewDeliveryError(o.ID, true, "recovered", o.LastError, o.Attempt))
	}
}
