// Package events implements the publish/subscribe broker that distributes
// a block's events to subscribers. Events emitted through host_emit_event
// are accumulated per block by the host adapter, which publishes them here
// when the block finalizes.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attribute is a single key/value pair attached to an emitted event,
// mirroring the attribute-bag shape guest modules serialize into
// host_emit_event calls.
type Attribute struct {
	Key   string
	Value string
}

// Event is a single event emitted by a guest module during execution.
// Type is guest-defined (e.g. "transfer", "module_installed") rather than
// a fixed enum, since the host has no knowledge of guest business
// semantics.
type Event struct {
	ID         string
	Type       string
	Module     string
	Height     int64
	Timestamp  time.Time
	Attributes []Attribute
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. A single broker is
// shared by the host adapter (which accumulates events per block) and any
// external observers (e.g. the CLI's serve command, for local debugging).
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers, assigning an ID and
// timestamp if not already set.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop rather than block the broker
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
