// Package alarms is the single mutation path for alarms. Every change is
// written to the store first, then projected onto the delivery channels,
// then queued for the remote service.
package alarms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/rouse/internal/event"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/schedule"
	"github.com/dukerupert/rouse/internal/store"
)

var (
	ErrNotFound = errors.New("alarm not found")
	ErrInvalid  = errors.New("invalid alarm")
)

const defaultPushTimeout = 10 * time.Second

type Store interface {
	Create(ctx context.Context, a model.Alarm) (*model.Alarm, error)
	Get(ctx context.Context, id string) (*model.Alarm, error)
	List(ctx context.Context) ([]model.Alarm, error)
	Save(ctx context.Context, a model.Alarm) (*model.Alarm, error)
	Delete(ctx context.Context, id string) (*store.Tombstone, error)
}

type Scheduler interface {
	Reschedule(ctx context.Context, a model.Alarm) (schedule.ChannelIDs, error)
	Cancel(ctx context.Context, alarmID string) error
	Rebuild(ctx context.Context, alarms []model.Alarm) error
}

// Pusher propagates local changes to the remote service.
type Pusher interface {
	PushCreate(ctx context.Context, a model.Alarm) error
	PushUpdate(ctx context.Context, a model.Alarm) error
	PushToggle(ctx context.Context, a model.Alarm) error
	PushDelete(ctx context.Context, ts store.Tombstone) error
}

type Service struct {
	store       Store
	sched       Scheduler
	pusher      Pusher
	bus         *event.Bus
	logger      *slog.Logger
	pushTimeout time.Duration

	mu     sync.Mutex // serializes mutations
	pushMu sync.Mutex // serializes remote pushes
	wg     sync.WaitGroup
}

// New builds the service. pusher and bus may be nil.
func New(st Store, sched Scheduler, pusher Pusher, bus *event.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		sched:       sched,
		pusher:      pusher,
		bus:         bus,
		logger:      logger,
		pushTimeout: defaultPushTimeout,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*model.Alarm, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *Service) List(ctx context.Context) ([]model.Alarm, error) {
	return s.store.List(ctx)
}

// Create saves a new alarm and schedules it. When neither delivery channel
// accepted an occurrence the saved alarm is returned together with the
// fatal *schedule.SchedulingError.
func (s *Service) Create(ctx context.Context, in model.Alarm) (*model.Alarm, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	in.ID = ""
	in.RemoteID = nil
	in.SyncStatus = model.SyncLocal
	in.CreatedAt, in.UpdatedAt = time.Time{}, time.Time{}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.store.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create alarm: %w", err)
	}
	s.logger.Info("alarm created", "alarm_id", a.ID, "time", a.Time, "repeat", a.RepeatDays.Describe())

	schedErr := s.reschedule(ctx, *a)
	s.push("create", a.ID)
	s.publish(event.TopicAlarmCreated, *a)
	return a, schedErr
}

// Update replaces the user content of an alarm. Registrations are rebuilt
// only when a schedule-relevant field changed.
func (s *Service) Update(ctx context.Context, id string, in model.Alarm) (*model.Alarm, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	old := *cur
	cur.CopyContent(in)
	if cur.SameContent(old) {
		return cur, nil
	}
	cur.MarkChanged()
	cur.UpdatedAt = time.Time{}

	a, err := s.store.Save(ctx, *cur)
	if err != nil {
		return nil, fmt.Errorf("update alarm: %w", err)
	}

	var schedErr error
	if old.ScheduleChanged(*a) {
		schedErr = s.reschedule(ctx, *a)
	}
	s.push("update", a.ID)
	s.publish(event.TopicAlarmUpdated, *a)
	return a, schedErr
}

// Toggle enables or disables an alarm. Disabling cancels both channels.
func (s *Service) Toggle(ctx context.Context, id string, enabled bool) (*model.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggleLocked(ctx, id, enabled)
}

// Disable turns off a one-shot alarm that has finished ringing.
func (s *Service) Disable(ctx context.Context, id string) (*model.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggleLocked(ctx, id, false)
}

func (s *Service) toggleLocked(ctx context.Context, id string, enabled bool) (*model.Alarm, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Enabled == enabled {
		// Still make sure the channels agree with the flag.
		return cur, s.reschedule(ctx, *cur)
	}
	cur.Enabled = enabled
	cur.MarkChanged()
	cur.UpdatedAt = time.Time{}

	a, err := s.store.Save(ctx, *cur)
	if err != nil {
		return nil, fmt.Errorf("toggle alarm: %w", err)
	}
	s.logger.Info("alarm toggled", "alarm_id", a.ID, "enabled", enabled)

	schedErr := s.reschedule(ctx, *a)
	s.push("toggle", a.ID)
	s.publish(event.TopicAlarmUpdated, *a)
	return a, schedErr
}

// Delete removes an alarm and both channel registrations. A synced alarm
// leaves a tombstone until the remote delete succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.sched.Cancel(ctx, id); err != nil {
		s.logger.Warn("cancel registrations", "alarm_id", id, "error", err)
	}
	ts, err := s.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	s.logger.Info("alarm deleted", "alarm_id", id)

	if ts != nil && s.pusher != nil {
		tomb := *ts
		s.background("delete", id, func(ctx context.Context) error {
			return s.pusher.PushDelete(ctx, tomb)
		})
	}
	s.publish(event.TopicAlarmDeleted, *cur)
	return nil
}

// Restore rebuilds every registration from the store. Called at launch.
func (s *Service) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore alarms: %w", err)
	}
	if err := s.sched.Rebuild(ctx, all); err != nil {
		s.logger.Warn("restore registrations", "error", err)
		if schedule.IsFatal(err) {
			return err
		}
	}
	s.logger.Info("registrations restored", "alarms", len(all))
	return nil
}

// Wait blocks until queued remote pushes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// reschedule projects a onto both channels. Partial failure is logged and
// swallowed; only a fatal scheduling error is returned.
func (s *Service) reschedule(ctx context.Context, a model.Alarm) error {
	_, err := s.sched.Reschedule(ctx, a)
	if err == nil {
		return nil
	}
	if schedule.IsFatal(err) {
		s.logger.Error("alarm will not ring", "alarm_id", a.ID, "error", err)
		return err
	}
	var se *schedule.SchedulingError
	if errors.As(err, &se) {
		s.logger.Warn("alarm partially scheduled", "alarm_id", a.ID, "error", err)
		return nil
	}
	return fmt.Errorf("schedule alarm: %w", err)
}

// push queues a remote push of the current record. The record is re-read
// when the push runs, so queued pushes always send the latest content.
func (s *Service) push(op, id string) {
	if s.pusher == nil {
		return
	}
	s.background(op, id, func(ctx context.Context) error {
		a, err := s.store.Get(ctx, id)
		if err != nil || a == nil {
			return err
		}
		switch op {
		case "create":
			return s.pusher.PushCreate(ctx, *a)
		case "toggle":
			return s.pusher.PushToggle(ctx, *a)
		default:
			return s.pusher.PushUpdate(ctx, *a)
		}
	})
}

func (s *Service) background(op, id string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pushMu.Lock()
		defer s.pushMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("remote push deferred to next pull", "op", op, "alarm_id", id, "error", err)
		}
	}()
}

func (s *Service) publish(topic string, a model.Alarm) {
	if s.bus != nil {
		s.bus.Publish(topic, a)
	}
}
