package host

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/rouse/internal/channel"
	"github.com/dukerupert/rouse/internal/event"
)

// AlarmService is the in-process system wake alarm (Channel A). Its
// deliveries carry no payload; the router has to look the alarm up.
type AlarmService struct {
	*engine
	authorized atomic.Bool
}

func NewAlarmService(bus *event.Bus, loc *time.Location, logger *slog.Logger) *AlarmService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AlarmService{}
	s.engine = newEngine(loc, logger.With("channel", channel.SourceSystem), func(d channel.Delivery) {
		bus.Publish(event.TopicTriggerSystem, d)
	})
	s.authorized.Store(true)
	return s
}

// SetAuthorized toggles the wake permission. While unauthorized Register
// fails with ErrNotAuthorized; existing registrations stay live.
func (s *AlarmService) SetAuthorized(ok bool) {
	s.authorized.Store(ok)
}

func (s *AlarmService) Register(_ context.Context, alarmID string, t channel.Trigger, p channel.Presentation) (string, error) {
	if !s.authorized.Load() {
		return "", ErrNotAuthorized
	}
	id := "sys-" + uuid.NewString()
	err := s.add(id, alarmID, t, func(firedAt time.Time) channel.Delivery {
		return channel.Delivery{
			Source:         channel.SourceSystem,
			AlarmID:        p.AlarmID,
			RegistrationID: id,
			FiredAt:        firedAt,
		}
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *AlarmService) Cancel(_ context.Context, id string) error {
	s.cancel(id)
	return nil
}

// Fire delivers a live registration immediately without retiring it.
func (s *AlarmService) Fire(id string) error {
	if !s.fire(id, true) {
		return ErrUnknownRegistration
	}
	return nil
}

// Live reports whether a registration id is still scheduled.
func (s *AlarmService) Live(id string) bool {
	return s.isLive(id)
}

// Count returns the number of live registrations.
func (s *AlarmService) Count() int {
	return s.liveCount()
}

func (s *AlarmService) Start() {
	s.start()
}

func (s *AlarmService) Stop(ctx context.Context) error {
	return s.stop(ctx)
}
