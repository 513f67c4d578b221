// Package stream delivers incident events to in-process subscribers.
//
// The incident store is the outbox: every accepted write appends an event to
// the log in the same atomic unit. Relay tails that log and hands each event
// to Broker, which fans it out without ever blocking the writer.
package stream

import (
	"sync"
	"sync/atomic"

	"github.com/bissquit/incident-escalation/internal/domain"
)

// DefaultBuffer is the subscription buffer used when Subscribe gets n <= 0.
const DefaultBuffer = 64

// Broker fans events out to subscribers. A subscriber whose buffer is full
// misses the event; it can catch up from the event log.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscription receives published events on C until Close is called or the
// broker shuts down, after which C is closed.
type Subscription struct {
	C <-chan *domain.IncidentEvent

	ch      chan *domain.IncidentEvent
	broker  *Broker
	once    sync.Once
	dropped atomic.Int64
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan *domain.IncidentEvent, buffer)
	sub := &Subscription{C: ch, ch: ch, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	subscribersGauge.Inc()
	return sub
}

// Publish delivers ev to every subscriber that has room for it.
func (b *Broker) Publish(ev *domain.IncidentEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	publishedTotal.Inc()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			droppedTotal.Inc()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later Subscribe calls return a closed
// subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
		subscribersGauge.Dec()
	}
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; !ok {
			return
		}
		delete(b.subs, s)
		close(s.ch)
		subscribersGauge.Dec()
	})
}

// Dropped returns how many events this subscriber missed because its buffer
// was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}
