package collab

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBusQueueSize = 256

// Listener observes every published event synchronously.
// Listeners run while the publishing session is locked and must not call back into the Store.
type Listener func(Event)

// Bus is the outbound notification channel of a Store.
//
// Concurrency guarantees:
//   - Publish never blocks on subscribers (events are dropped and counted under backpressure).
//   - Subscribe/Close are safe under concurrent Publish.
//   - Listeners see events in commit order per session.
type Bus struct {
	log       *slog.Logger
	queueSize int

	mu        sync.RWMutex
	nextID    uint64
	subs      map[uint64]*Subscription
	listeners []Listener
}

// NewBus constructs a Bus whose subscriptions buffer up to queueSize events.
func NewBus(log *slog.Logger, queueSize int) *Bus {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if queueSize <= 0 {
		queueSize = defaultBusQueueSize
	}
	return &Bus{
		log:       log,
		queueSize: queueSize,
		subs:      make(map[uint64]*Subscription),
	}
}

// Subscription is a bounded queue of events for one consumer.
type Subscription struct {
	bus       *Bus
	id        uint64
	sessionID string
	ch        chan Event
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Subscribe registers a consumer. An empty sessionID receives events of every session.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:       b,
		id:        b.nextID,
		sessionID: sessionID,
		ch:        make(chan Event, b.queueSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// AddListener registers a synchronous listener.
func (b *Bus) AddListener(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Publish fans ev out to listeners and matching subscriptions.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range b.listeners {
		b.callListener(l, ev)
	}

	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) callListener(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus.listener.panic", "event", string(ev.Type), "session_id", ev.SessionID, "panic", r)
		}
	}()
	l(ev)
}

// C returns the receive side of the subscription. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// SessionID returns the session filter ("" for all sessions).
func (s *Subscription) SessionID() string { return s.sessionID }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel (idempotent).
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
