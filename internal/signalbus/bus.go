// Package signalbus implements SignalBus (spec §4.6): a typed publish/
// subscribe bus. Publishes from the async domain enqueue onto an MPSC
// queue (internal/queue.Ring, generalized from the teacher's
// internal/marketdata/bus.FanOut broadcast-channel design to named,
// typed signals instead of one broadcast channel of Candles); publishes
// from the consumer domain dispatch synchronously. Drain, called from the
// consumer domain, pops the queue and dispatches each item to every
// subscriber in registration order, isolating subscriber panics/errors
// from each other.
package signalbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"marketpulse/internal/queue"
)

type envelope struct {
	signal  Signal
	payload any
}

// SubscriptionID identifies a registered subscriber for later
// unsubscription.
type SubscriptionID uint64

type subscriber struct {
	id SubscriptionID
	fn func(any)
}

// Bus is SignalBus (C6).
type Bus struct {
	q   *queue.Ring[envelope]
	log *slog.Logger

	mu     sync.Mutex
	subs   map[Signal][]subscriber
	nextID atomic.Uint64
}

// New constructs an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		q:    queue.New[envelope](256),
		log:  log,
		subs: map[Signal][]subscriber{},
	}
}

// Publish enqueues a signal for later dispatch by Drain. This is the
// async-domain entry point: enqueue is non-blocking and never invokes a
// subscriber on the caller's goroutine.
func (b *Bus) Publish(signal Signal, payload any) {
	b.q.Push(envelope{signal: signal, payload: payload})
}

// PublishSync dispatches a signal to subscribers immediately on the
// caller's goroutine. This is the consumer-domain entry point: the
// consumer domain is already the thread that would otherwise run Drain,
// so there is no reason to round-trip through the queue.
func (b *Bus) PublishSync(signal Signal, payload any) {
	b.dispatch(signal, payload)
}

// QSize returns the number of signals currently queued, for the §5
// backpressure high-water-mark policy.
func (b *Bus) QSize() int { return b.q.Len() }

// Subscribe registers fn for signal, invoked in registration order
// whenever that signal is dispatched. Safe to call at any time, including
// from inside a subscriber callback.
func (b *Bus) Subscribe(signal Signal, fn func(any)) SubscriptionID {
	id := SubscriptionID(b.nextID.Add(1))
	b.mu.Lock()
	b.subs[signal] = append(b.subs[signal], subscriber{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a previously registered subscriber. Safe to call at
// any time, including from inside a subscriber callback.
func (b *Bus) Unsubscribe(signal Signal, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[signal]
	for i, s := range list {
		if s.id == id {
			b.subs[signal] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Drain pops every signal currently queued and dispatches each to its
// subscribers, in FIFO order. Call this once per event-loop tick (headless)
// or once per UI frame.
func (b *Bus) Drain() {
	for {
		env, ok := b.q.Pop()
		if !ok {
			return
		}
		b.dispatch(env.signal, env.payload)
	}
}

// dispatch invokes every subscriber registered for signal, in registration
// order, isolating each call behind its own error boundary: a panicking
// subscriber is logged and skipped, never stopping the remaining
// subscribers or the caller (Drain or PublishSync).
func (b *Bus) dispatch(signal Signal, payload any) {
	b.mu.Lock()
	// Copy the slice under lock, then release before invoking callbacks so
	// re-entrant Subscribe/Unsubscribe calls from within a callback never
	// deadlock and never observe a half-held lock.
	list := append([]subscriber(nil), b.subs[signal]...)
	b.mu.Unlock()

	for _, s := range list {
		b.invoke(s, signal, payload)
	}
}

func (b *Bus) invoke(s subscriber, signal Signal, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("signalbus: subscriber panicked", "signal", signal, "recovered", r)
		}
	}()
	s.fn(payload)
}
