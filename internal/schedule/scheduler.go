// Package schedule registers every enabled alarm with two independent
// delivery channels so that one channel refusing or dropping a registration
// does not silence the alarm.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/rouse/internal/channel"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
	"github.com/dukerupert/rouse/internal/telemetry"
)

// SystemAlarms is the coarse OS wake primitive (Channel A). It works while
// the app is suspended but cannot play a custom sound.
type SystemAlarms interface {
	Register(ctx context.Context, alarmID string, t channel.Trigger, p channel.Presentation) (string, error)
	// Cancel must be synchronous and idempotent: once it returns the
	// registration never delivers again.
	Cancel(ctx context.Context, registrationID string) error
}

// Notifications is the scheduled local notification service (Channel B).
// Its payload carries the sound reference back on delivery.
type Notifications interface {
	Schedule(ctx context.Context, t channel.Trigger, p channel.Payload) (string, error)
	// Cancel has the same contract as SystemAlarms.Cancel.
	Cancel(ctx context.Context, requestID string) error
}

// Registration is one live registration held by a channel.
type Registration struct {
	Source  channel.Source  `json:"source"`
	ID      string          `json:"id"`
	Trigger channel.Trigger `json:"trigger"`
}

// ChannelIDs lists the registration ids created for one alarm.
type ChannelIDs struct {
	AlarmID      string   `json:"alarm_id"`
	System       []string `json:"system"`
	Notification []string `json:"notification"`
}

// Empty reports whether no channel holds a registration.
func (c ChannelIDs) Empty() bool {
	return len(c.System) == 0 && len(c.Notification) == 0
}

// Scheduler projects alarms onto both channels. It owns no persisted state:
// its registry can be rebuilt from the alarm store at any time.
type Scheduler struct {
	mu      sync.Mutex
	system  SystemAlarms
	notes   Notifications
	regs    map[string][]Registration
	now     func() time.Time
	loc     *time.Location
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLocation sets the zone alarm times are wall-clock times in. It must be
// the zone the channels read their triggers in. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(system SystemAlarms, notes Notifications, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		system:  system,
		notes:   notes,
		regs:    make(map[string][]Registration),
		now:     time.Now,
		loc:     time.Local,
		logger:  logger,
		metrics: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	return s
}

// clock is the current instant in the alarm zone.
func (s *Scheduler) clock() time.Time {
	return s.now().In(s.loc)
}

// Triggers computes the occurrences of an alarm. A one-shot alarm has a single
// trigger at the next occurrence of its time strictly after now. A repeating
// alarm has one weekly trigger per selected weekday.
func Triggers(a model.Alarm, now time.Time) []channel.Trigger {
	base := channel.Trigger{Hour: a.Time.Hour, Minute: a.Time.Minute, Second: a.Time.Second}

	if !a.Repeats() {
		t := base
		t.At = recurrence.NextOnce(a.Time, now)
		t.Weekday = t.At.Weekday()
		return []channel.Trigger{t}
	}

	var out []channel.Trigger
	for _, wd := range a.RepeatDays.Weekdays() {
		t := base
		t.Weekday = wd
		t.Repeats = true
		t.At = recurrence.NextOn(a.Time, wd, now)
		out = append(out, t)
	}
	return out
}

func presentation(a model.Alarm) channel.Presentation {
	return channel.Presentation{Title: a.DisplayLabel(), AlarmID: a.ID}
}

func payload(a model.Alarm) channel.Payload {
	return channel.Payload{
		AlarmID:      a.ID,
		Title:        a.DisplayLabel(),
		Body:         fmt.Sprintf("It's %s", a.Time),
		SoundFile:    a.Sound.Name,
		SoundExt:     a.Sound.Ext,
		Interruption: channel.InterruptionTimeSensitive,
	}
}

// Schedule registers a with both channels after cancelling any registrations
// it already holds. A disabled alarm is only cancelled and ErrAlarmDisabled is
// returned.
//
// A channel refusing a registration does not stop the other channel. When any
// registration fails a *SchedulingError is returned alongside the ids that
// were created; it is Fatal only when some occurrence got no channel at all.
func (s *Scheduler) Schedule(ctx context.Context, a model.Alarm) (ChannelIDs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := ChannelIDs{AlarmID: a.ID}
	// Failed cancels are logged in cancelLocked; the alarm must still be
	// registered again.
	_ = s.cancelLocked(ctx, a.ID)
	if !a.Enabled {
		return ids, ErrAlarmDisabled
	}

	var (
		regs     []Registration
		failures []ChannelFailure
		fatal    bool
	)
	pres, pay := presentation(a), payload(a)

	for _, t := range Triggers(a, s.clock()) {
		sysID, errA := s.system.Register(ctx, a.ID, t, pres)
		if errA != nil {
			failures = append(failures, ChannelFailure{Source: channel.SourceSystem, Trigger: t, Err: errA})
			s.metrics.ChannelFailed(ctx, string(channel.SourceSystem))
			s.logger.Warn("system alarm registration failed", "alarm_id", a.ID, "trigger", t.String(), "error", errA)
		} else {
			regs = append(regs, Registration{Source: channel.SourceSystem, ID: sysID, Trigger: t})
			ids.System = append(ids.System, sysID)
		}

		noteID, errB := s.notes.Schedule(ctx, t, pay)
		if errB != nil {
			failures = append(failures, ChannelFailure{Source: channel.SourceNotification, Trigger: t, Err: errB})
			s.metrics.ChannelFailed(ctx, string(channel.SourceNotification))
			s.logger.Warn("notification registration failed", "alarm_id", a.ID, "trigger", t.String(), "error", errB)
		} else {
			regs = append(regs, Registration{Source: channel.SourceNotification, ID: noteID, Trigger: t})
			ids.Notification = append(ids.Notification, noteID)
		}

		if errA != nil && errB != nil {
			fatal = true
		}
	}

	if len(regs) > 0 {
		// Registrations whose cancel failed are still held for a retry.
		s.regs[a.ID] = append(s.regs[a.ID], regs...)
	}
	s.metrics.Registered(ctx, string(channel.SourceSystem), len(ids.System))
	s.metrics.Registered(ctx, string(channel.SourceNotification), len(ids.Notification))

	if len(failures) > 0 {
		se := &SchedulingError{AlarmID: a.ID, Failures: failures, fatal: fatal}
		if fatal {
			s.logger.Error("alarm will not ring", "alarm_id", a.ID, "error", se)
		}
		return ids, se
	}

	s.logger.Debug("alarm scheduled", "alarm_id", a.ID, "system", len(ids.System), "notification", len(ids.Notification))
	return ids, nil
}

// Cancel tears down every registration of an alarm on both channels.
// Cancelling an alarm with no registrations is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, alarmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(ctx, alarmID)
}

func (s *Scheduler) cancelLocked(ctx context.Context, alarmID string) error {
	regs, ok := s.regs[alarmID]
	if !ok {
		return nil
	}

	var (
		errs  []error
		stuck []Registration
	)
	for _, r := range regs {
		var err error
		switch r.Source {
		case channel.SourceSystem:
			err = s.system.Cancel(ctx, r.ID)
		case channel.SourceNotification:
			err = s.notes.Cancel(ctx, r.ID)
		}
		if err != nil {
			s.logger.Warn("cancel registration failed", "alarm_id", alarmID, "channel", r.Source, "id", r.ID, "error", err)
			errs = append(errs, fmt.Errorf("cancel %s %s: %w", r.Source, r.ID, err))
			stuck = append(stuck, r)
		}
	}
	if len(stuck) > 0 {
		s.regs[alarmID] = stuck
	} else {
		delete(s.regs, alarmID)
	}
	return errors.Join(errs...)
}

// Reschedule is Cancel followed by Schedule under one lock, so no delivery
// from the old registrations can interleave with the new ones. A disabled
// alarm is only cancelled.
func (s *Scheduler) Reschedule(ctx context.Context, a model.Alarm) (ChannelIDs, error) {
	ids, err := s.Schedule(ctx, a)
	if errors.Is(err, ErrAlarmDisabled) {
		return ids, nil
	}
	return ids, err
}

// RescheduleNext is called after an occurrence was dismissed. A repeating
// alarm keeps its future occurrences live; a one-shot alarm is cancelled.
func (s *Scheduler) RescheduleNext(ctx context.Context, a model.Alarm) (ChannelIDs, error) {
	if !a.Repeats() {
		return ChannelIDs{AlarmID: a.ID}, s.Cancel(ctx, a.ID)
	}
	return s.Reschedule(ctx, a)
}

// Rebuild makes the registry match alarms exactly: alarms not in the list
// are cancelled, enabled ones are rescheduled. Used at launch and after a
// reconciliation pull.
func (s *Scheduler) Rebuild(ctx context.Context, alarms []model.Alarm) error {
	keep := make(map[string]bool, len(alarms))
	for _, a := range alarms {
		keep[a.ID] = true
	}

	var errs []error
	for _, id := range s.scheduledIDs() {
		if !keep[id] {
			if err := s.Cancel(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, a := range alarms {
		if _, err := s.Reschedule(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) scheduledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.regs))
	for id := range s.regs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registrations returns a copy of the live registrations of an alarm.
func (s *Scheduler) Registrations(alarmID string) []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Registration(nil), s.regs[alarmID]...)
}

// Next returns the earliest upcoming fire instant of an alarm's live
// registrations, or the zero time when it has none.
func (s *Scheduler) Next(alarmID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var best time.Time
	for _, r := range s.regs[alarmID] {
		at := r.Trigger.At
		if r.Trigger.Repeats {
			at = recurrence.NextOn(recurrence.TimeOfDay{Hour: r.Trigger.Hour, Minute: r.Trigger.Minute, Second: r.Trigger.Second}, r.Trigger.Weekday, now)
		}
		if best.IsZero() || at.Before(best) {
			best = at
		}
	}
	return best
}
