package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/rouse/internal/channel"
	"github.com/dukerupert/rouse/internal/event"
	"github.com/dukerupert/rouse/internal/model"
)

const (
	sendTimeout     = 10 * time.Second
	cleanupInterval = time.Hour
	sentRetention   = 7 * 24 * time.Hour
)

type Sender interface {
	Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error
}

// Subscriptions is the part of the push store the fan-out needs.
type Subscriptions interface {
	List(ctx context.Context) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
	WasSent(ctx context.Context, alarmID string, occurrence time.Time) (bool, error)
	RecordSent(ctx context.Context, alarmID string, occurrence time.Time) error
	CleanupSent(ctx context.Context, before time.Time) error
}

// Fanout mirrors fired local notifications to every subscribed device. Each
// alarm occurrence is pushed at most once.
type Fanout struct {
	sender Sender
	subs   Subscriptions
	bus    *event.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewFanout(sender Sender, subs Subscriptions, bus *event.Bus, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		sender: sender,
		subs:   subs,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Run consumes notification deliveries until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	sub := f.bus.SubscribeSize(event.TopicTriggerNotification, 16)
	defer f.bus.Unsubscribe(sub)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.subs.CleanupSent(ctx, f.now().Add(-sentRetention)); err != nil {
				f.logger.Warn("cleanup sent notifications", "error", err)
			}
		case ev := <-sub.Ch():
			d, ok := ev.Payload.(channel.Delivery)
			if !ok || d.Tapped || d.Payload == nil {
				continue
			}
			if _, err := f.Notify(ctx, d); err != nil {
				f.logger.Warn("push fan-out", "alarm_id", d.AlarmID, "error", err)
			}
		}
	}
}

// Notify pushes one delivery to every subscription and returns how many
// devices accepted it.
func (f *Fanout) Notify(ctx context.Context, d channel.Delivery) (int, error) {
	fired := d.FiredAt
	if fired.IsZero() {
		fired = f.now()
	}
	occurrence := fired.Truncate(time.Minute)

	sent, err := f.subs.WasSent(ctx, d.AlarmID, occurrence)
	if err != nil {
		return 0, err
	}
	if sent {
		return 0, nil
	}

	subs, err := f.subs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	payload := Payload{
		Title:   d.Payload.Title,
		Body:    d.Payload.Body,
		AlarmID: d.AlarmID,
		URL:     "/ringing",
		Tag:     "alarm-" + d.AlarmID,
	}
	if d.Payload.SoundFile != "" {
		payload.Sound = d.Payload.SoundFile
		if d.Payload.SoundExt != "" {
			payload.Sound += "." + d.Payload.SoundExt
		}
	}

	delivered := 0
	for i := range subs {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := f.sender.Send(sctx, &subs[i], payload)
		cancel()
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrExpired):
			f.logger.Info("removing expired push subscription", "subscription_id", subs[i].ID)
			if err := f.subs.DeleteByEndpoint(ctx, subs[i].Endpoint); err != nil {
				f.logger.Warn("delete expired subscription", "error", err)
			}
		default:
			f.logger.Warn("send alarm push", "subscription_id", subs[i].ID, "error", err)
		}
	}

	if err := f.subs.RecordSent(ctx, d.AlarmID, occurrence); err != nil {
		return delivered, err
	}
	f.logger.Debug("alarm pushed", "alarm_id", d.AlarmID, "devices", delivered)
	return delivered, nil
}
