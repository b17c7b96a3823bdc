// Package bus is the in-process event fabric: prefix-matched pub/sub with
// buffered, non-blocking delivery. Publishing never fails and never blocks;
// the bus is not part of any operation's success contract.
package bus

import (
	"strings"
	"sync"
)

const subscriberBuffer = 100

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is a live prefix subscription. Receive on Ch; a full buffer
// drops events rather than stalling publishers.
type Subscription struct {
	prefix string
	ch     chan Event
}

// Ch returns the receive channel. It closes on Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	onDrop func(topic string)
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// OnDrop registers a callback invoked once per dropped delivery, outside the
// bus lock. Used to count drops; it must not block.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe registers for all topics starting with topicPrefix; an empty
// prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// once per subscription; nil is ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber. Slow consumers lose events.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	dropped := 0
	b.mu.RLock()
	onDrop := b.onDrop
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full; this subscriber misses the event.
			dropped++
		}
	}
	b.mu.RUnlock()

	if onDrop != nil {
		for i := 0; i < dropped; i++ {
			onDrop(topic)
		}
	}
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
