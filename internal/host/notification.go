package host

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/rouse/internal/channel"
	"github.com/dukerupert/rouse/internal/event"
)

// NotificationCenter is the in-process scheduled notification service
// (Channel B). Firing a request presents it in the foreground; Tap simulates
// the user tapping a delivered notification. Both publish the payload the
// request was scheduled with.
type NotificationCenter struct {
	*engine
	bus        *event.Bus
	authorized atomic.Bool

	mu       sync.Mutex
	payloads map[string]channel.Payload
}

func NewNotificationCenter(bus *event.Bus, loc *time.Location, logger *slog.Logger) *NotificationCenter {
	if logger == nil {
		logger = slog.Default()
	}
	n := &NotificationCenter{
		bus:      bus,
		payloads: make(map[string]channel.Payload),
	}
	n.engine = newEngine(loc, logger.With("channel", channel.SourceNotification), func(d channel.Delivery) {
		bus.Publish(event.TopicTriggerNotification, d)
	})
	n.authorized.Store(true)
	return n
}

func (n *NotificationCenter) SetAuthorized(ok bool) {
	n.authorized.Store(ok)
}

func (n *NotificationCenter) Schedule(_ context.Context, t channel.Trigger, p channel.Payload) (string, error) {
	if !n.authorized.Load() {
		return "", ErrNotAuthorized
	}
	id := "note-" + uuid.NewString()

	n.mu.Lock()
	n.payloads[id] = p
	n.mu.Unlock()

	err := n.add(id, p.AlarmID, t, func(firedAt time.Time) channel.Delivery {
		pay := p
		return channel.Delivery{
			Source:         channel.SourceNotification,
			AlarmID:        p.AlarmID,
			RegistrationID: id,
			Payload:        &pay,
			FiredAt:        firedAt,
		}
	})
	if err != nil {
		n.mu.Lock()
		delete(n.payloads, id)
		n.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Cancel removes a pending request and forgets its delivered payload.
func (n *NotificationCenter) Cancel(_ context.Context, id string) error {
	n.cancel(id)
	n.mu.Lock()
	delete(n.payloads, id)
	n.mu.Unlock()
	return nil
}

// Tap publishes a tapped delivery for a request that is pending or was
// delivered and not yet cancelled.
func (n *NotificationCenter) Tap(id string) error {
	n.mu.Lock()
	p, ok := n.payloads[id]
	n.mu.Unlock()
	if !ok {
		return ErrUnknownRegistration
	}
	n.bus.Publish(event.TopicTriggerNotification, channel.Delivery{
		Source:         channel.SourceNotification,
		AlarmID:        p.AlarmID,
		RegistrationID: id,
		Payload:        &p,
		Tapped:         true,
		FiredAt:        n.now(),
	})
	return nil
}

// Fire presents a live request immediately without retiring it.
func (n *NotificationCenter) Fire(id string) error {
	if !n.fire(id, true) {
		return ErrUnknownRegistration
	}
	return nil
}

func (n *NotificationCenter) Live(id string) bool {
	return n.isLive(id)
}

func (n *NotificationCenter) Count() int {
	return n.liveCount()
}

func (n *NotificationCenter) Start() {
	n.start()
}

func (n *NotificationCenter) Stop(ctx context.Context) error {
	return n.stop(ctx)
}
