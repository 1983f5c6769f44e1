package engine

import "sync"

// signalKind names what woke the drain loop.
type signalKind int

const (
	signalEnqueue signalKind = iota + 1
	signalOnline
	signalOffline
	signalManual
	signalTick
	signalBarrier
	signalCancel
)

func (k signalKind) String() string {
	switch k {
	case signalEnqueue:
		return "enqueue"
	case signalOnline:
		return "online"
	case signalOffline:
		return "offline"
	case signalManual:
		return "manual"
	case signalTick:
		return "tick"
	case signalBarrier:
		return "barrier"
	case signalCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// signal is one wake-up for the drain loop.
type signal struct {
	kind signalKind

	// reply is closed when a barrier is answered.
	reply chan struct{}
}

// signalQueue is a thread-safe FIFO of wake signals.
//
// Producers (enqueue callers, connectivity listeners, HTTP handlers) push
// from any goroutine; only the drain loop pops. The buffered signal channel
// coalesces notifications so producers never block.
type signalQueue struct {
	mu      sync.Mutex
	signals []signal
	closed  bool
	notify  chan struct{} // buffered, size 1
}

func newSignalQueue() *signalQueue {
	return &signalQueue{
		signals: make([]signal, 0, 16),
		notify:  make(chan struct{}, 1),
	}
}

// Push adds a signal to the back of the queue.
// Returns false if the queue is closed.
func (q *signalQueue) Push(s signal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.signals = append(q.signals, s)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the front signal without blocking.
func (q *signalQueue) TryPop() (signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.signals) == 0 {
		return signal{}, false
	}
	s := q.signals[0]
	q.signals[0] = signal{}
	if len(q.signals) == 1 {
		q.signals = q.signals[:0]
	} else {
		q.signals = q.signals[1:]
	}
	return s, true
}

// Wait returns a channel that fires when signals may be available.
// The channel is closed by Close.
func (q *signalQueue) Wait() <-chan struct{} {
	return q.notify
}

// Len returns the number of queued signals.
func (q *signalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.signals)
}

// Close rejects further pushes and returns the signals still queued so the
// caller can release any barrier waiters.
func (q *signalQueue) Close() []signal {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.notify)
	rest := q.signals
	q.signals = nil
	return rest
}
