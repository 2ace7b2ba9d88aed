package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer bounds each subscriber's queue depth. Once
// full, the oldest queued event is dropped to make room for the new
// one — a slow subscriber must never stall the protocol engine.
const DefaultSubscriberBuffer = 256

// Subscription is a bounded per-subscriber event queue returned by
// Bus.Subscribe.
type Subscription struct {
	ch      chan Event
	dropped atomic.Int64
	mu      sync.Mutex
	bus     *Bus
	closed  bool
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns the number of events dropped due to a full queue
// since the subscription began.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
	}
	// Queue full: drop the oldest queued event to make room, matching
	// the ring buffer's overwrite-oldest policy (adapted here to a
	// channel: we can't overwrite in place, so we dequeue-then-enqueue).
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		// Another goroutine raced us for the freed slot; count this
		// event as dropped rather than block the publisher.
		s.dropped.Add(1)
	}
}

// Bus is the fan-out of typed events to subscribers. The zero value is
// not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber with the given queue depth (0
// uses DefaultSubscriberBuffer).
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{ch: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Publish fans e out to every subscriber. Stamps a fresh ID if e.ID is
// the zero UUID. Never blocks: a full subscriber queue drops its oldest
// entry rather than stall the caller (the single protocol task).
func (b *Bus) Publish(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		sub.deliver(e)
	}
}

// Log is a convenience for publishing a KindLogLine event.
func (b *Bus) Log(level LogLevel, text string) {
	b.Publish(Event{Kind: KindLogLine, LogLine: &LogLinePayload{Level: level, Text: text}})
}
