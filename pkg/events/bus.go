// Package events carries call-state, digit, and media notifications from the
// core to external collaborators (IVR, queue logic, CDR writers). Delivery is
// message passing over a bounded channel per subscriber; a slow or failing
// consumer drops events rather than blocking the signaling or media path.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind identifies the event family
type Kind string

const (
	KindCallState      Kind = "call.state"
	KindDigit          Kind = "call.digit"
	KindCodecSelected  Kind = "call.codec"
	KindMediaConnected Kind = "media.connected"
	KindMediaLost      Kind = "media.lost"
	KindTransfer       Kind = "call.transfer"
	KindMessage        Kind = "call.message"
)

// DigitSource identifies which transport carried a DTMF digit
type DigitSource string

const (
	DigitSourceRTPEvent  DigitSource = "rtp-event"
	DigitSourceSignaling DigitSource = "signaling"
	DigitSourceTone      DigitSource = "tone"
)

// Event is the envelope published on the bus
type Event struct {
	Kind      Kind      `json:"kind"`
	CallID    string    `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`

	// CallState fields
	State    string `json:"state,omitempty"`
	Previous string `json:"previous,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Digit fields
	Digit       string      `json:"digit,omitempty"`
	DigitSource DigitSource `json:"digit_source,omitempty"`

	// Media fields
	LearnedAddrA string `json:"learned_addr_a,omitempty"`
	LearnedAddrB string `json:"learned_addr_b,omitempty"`

	// Codec selection outcome
	Codec string `json:"codec,omitempty"`

	// Transfer target or instant-message payload
	Body string `json:"body,omitempty"`
}

// Subscription is a bounded event feed for one consumer
type Subscription struct {
	name    string
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the receive channel for this subscription
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscriber has lost to backpressure
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus fans events out to all subscribers without ever blocking the publisher
type Bus struct {
	logger *logrus.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an event bus
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a consumer with the given channel capacity
func (b *Bus) Subscribe(name string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 64
	}

	sub := &Subscription{
		name: name,
		ch:   make(chan Event, capacity),
		bus:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the event to every subscriber that has channel capacity.
// Subscribers that are full drop the event; the drop is counted and logged at
// debug so a stuck consumer is visible without affecting call processing.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			count := sub.dropped.Add(1)
			b.logger.WithFields(logrus.Fields{
				"subscriber": sub.name,
				"kind":       ev.Kind,
				"call_id":    ev.CallID,
				"dropped":    count,
			}).Debug("Event dropped for slow subscriber")
		}
	}
}

// Close shuts the bus down and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
