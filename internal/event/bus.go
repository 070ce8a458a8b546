// Package event is the in-process pub/sub bus connecting the delivery
// channels, the router and the presentation layer.
package event

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

const (
	TopicTrigger             = "trigger."
	TopicTriggerSystem       = "trigger.system"
	TopicTriggerNotification = "trigger.notification"

	TopicRingingStarted = "ringing.started"
	TopicRingingStopped = "ringing.stopped"

	TopicAlarmCreated = "alarm.created"
	TopicAlarmUpdated = "alarm.updated"
	TopicAlarmDeleted = "alarm.deleted"

	TopicSyncCompleted = "sync.completed"
	TopicMissionState  = "mission.state"
)

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a topic-prefix pub/sub bus. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for topics starting with prefix. An empty
// prefix matches everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	return b.SubscribeSize(prefix, defaultBufferSize)
}

// SubscribeSize is Subscribe with an explicit buffer size, for consumers such
// as the delivery router that must not miss events under a burst.
func (b *Bus) SubscribeSize(prefix string, size int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, size),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
