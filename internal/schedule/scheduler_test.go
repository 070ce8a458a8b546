package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/rouse/internal/channel"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
)

// fakeChannel records live registrations for both channel interfaces.
type fakeChannel struct {
	mu     sync.Mutex
	prefix string
	next   int
	live   map[string]channel.Trigger
	fail   error

	// cancelFail fails Cancel, leaving the registration live.
	cancelFail error
}

func newFakeChannel(prefix string) *fakeChannel {
	return &fakeChannel{prefix: prefix, live: map[string]channel.Trigger{}}
}

func (f *fakeChannel) add(t channel.Trigger) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.next++
	id := fmt.Sprintf("%s-%d", f.prefix, f.next)
	f.live[id] = t
	return id, nil
}

func (f *fakeChannel) Register(_ context.Context, _ string, t channel.Trigger, _ channel.Presentation) (string, error) {
	return f.add(t)
}

func (f *fakeChannel) Schedule(_ context.Context, t channel.Trigger, _ channel.Payload) (string, error) {
	return f.add(t)
}

func (f *fakeChannel) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelFail != nil {
		return f.cancelFail
	}
	delete(f.live, id)
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeChannel) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[id]
	return ok
}

// Monday 2026-03-02 08:00 local.
var monday = time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)

func newTestScheduler() (*Scheduler, *fakeChannel, *fakeChannel) {
	sys := newFakeChannel("sys")
	notes := newFakeChannel("note")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(sys, notes, logger, WithClock(func() time.Time { return monday }))
	return s, sys, notes
}

func alarmAt(id string, hour, minute int, days recurrence.Days) model.Alarm {
	return model.Alarm{
		ID:         id,
		Time:       recurrence.TimeOfDay{Hour: hour, Minute: minute},
		RepeatDays: days,
		Enabled:    true,
		Sound:      model.Sound{Name: "sunrise", Ext: "wav", Volume: 1},
	}
}

func TestScheduleRepeatDaysCreatesOneRegistrationPerDay(t *testing.T) {
	s, sys, notes := newTestScheduler()
	ctx := context.Background()

	a := alarmAt("a1", 7, 0, recurrence.DaysOf(time.Monday, time.Wednesday, time.Friday))
	ids, err := s.Schedule(ctx, a)
	require.NoError(t, err)

	assert.Len(t, ids.System, 3)
	assert.Len(t, ids.Notification, 3)
	assert.Equal(t, 3, sys.count())
	assert.Equal(t, 3, notes.count())

	for _, r := range s.Registrations("a1") {
		assert.True(t, r.Trigger.Repeats)
		assert.Equal(t, 7, r.Trigger.Hour)
	}

	require.NoError(t, s.Cancel(ctx, "a1"))
	assert.Equal(t, 0, sys.count())
	assert.Equal(t, 0, notes.count())
	assert.Empty(t, s.Registrations("a1"))
}

func TestScheduleOneShotRollsToTomorrow(t *testing.T) {
	s, _, _ := newTestScheduler()

	ids, err := s.Schedule(context.Background(), alarmAt("a1", 7, 30, 0))
	require.NoError(t, err)
	require.Len(t, ids.System, 1)

	regs := s.Registrations("a1")
	require.Len(t, regs, 2)
	want := time.Date(2026, 3, 3, 7, 30, 0, 0, time.Local)
	for _, r := range regs {
		assert.False(t, r.Trigger.Repeats)
		assert.True(t, r.Trigger.At.Equal(want), "at = %s, want %s", r.Trigger.At, want)
	}
	assert.True(t, s.Next("a1").Equal(want))
}

func TestScheduleDisabledLeavesNoRegistrations(t *testing.T) {
	s, sys, notes := newTestScheduler()
	ctx := context.Background()

	a := alarmAt("a1", 7, 0, recurrence.DaysOf(time.Monday))
	_, err := s.Schedule(ctx, a)
	require.NoError(t, err)

	a.Enabled = false
	_, err = s.Schedule(ctx, a)
	assert.ErrorIs(t, err, ErrAlarmDisabled)
	assert.Equal(t, 0, sys.count())
	assert.Equal(t, 0, notes.count())

	// Reschedule treats a disabled alarm as cancel-only.
	_, err = s.Reschedule(ctx, a)
	assert.NoError(t, err)
}

func TestRescheduleCancelsOldRegistrations(t *testing.T) {
	s, sys, notes := newTestScheduler()
	ctx := context.Background()

	a := alarmAt("a1", 7, 0, recurrence.DaysOf(time.Tuesday, time.Thursday))
	first, err := s.Schedule(ctx, a)
	require.NoError(t, err)

	a.Time = recurrence.TimeOfDay{Hour: 6, Minute: 45}
	second, err := s.Reschedule(ctx, a)
	require.NoError(t, err)

	for _, id := range first.System {
		assert.False(t, sys.has(id), "old system id %s still live", id)
		assert.NotContains(t, second.System, id)
	}
	for _, id := range first.Notification {
		assert.False(t, notes.has(id), "old notification id %s still live", id)
	}
	assert.Equal(t, 2, sys.count())
	assert.Equal(t, 2, notes.count())
}

func TestPartialChannelFailureIsTolerated(t *testing.T) {
	s, sys, notes := newTestScheduler()
	sys.fail = errors.New("permission revoked")

	ids, err := s.Schedule(context.Background(), alarmAt("a1", 7, 0, 0))

	var se *SchedulingError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Fatal())
	assert.False(t, IsFatal(err))
	assert.Empty(t, ids.System)
	assert.Len(t, ids.Notification, 1)
	assert.Equal(t, 1, notes.count())
	assert.ErrorContains(t, err, "permission revoked")
}

func TestBothChannelsFailingIsFatal(t *testing.T) {
	s, sys, notes := newTestScheduler()
	cause := errors.New("denied")
	sys.fail = cause
	notes.fail = cause

	ids, err := s.Schedule(context.Background(), alarmAt("a1", 7, 0, recurrence.DaysOf(time.Monday)))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, ids.Empty())
	assert.Empty(t, s.Registrations("a1"))
}

func TestCancelUnknownIsNoop(t *testing.T) {
	s, _, _ := newTestScheduler()
	assert.NoError(t, s.Cancel(context.Background(), "missing"))
}

func TestRescheduleNext(t *testing.T) {
	s, sys, _ := newTestScheduler()
	ctx := context.Background()

	once := alarmAt("once", 9, 0, 0)
	weekly := alarmAt("weekly", 9, 0, recurrence.DaysOf(time.Monday))
	_, err := s.Schedule(ctx, once)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, weekly)
	require.NoError(t, err)

	_, err = s.RescheduleNext(ctx, once)
	require.NoError(t, err)
	_, err = s.RescheduleNext(ctx, weekly)
	require.NoError(t, err)

	assert.Empty(t, s.Registrations("once"))
	assert.Len(t, s.Registrations("weekly"), 2)
	assert.Equal(t, 1, sys.count())
}

func TestRebuildDropsRemovedAlarms(t *testing.T) {
	s, sys, notes := newTestScheduler()
	ctx := context.Background()

	_, err := s.Schedule(ctx, alarmAt("gone", 6, 0, 0))
	require.NoError(t, err)

	disabled := alarmAt("off", 6, 0, 0)
	disabled.Enabled = false
	err = s.Rebuild(ctx, []model.Alarm{alarmAt("kept", 7, 0, recurrence.DaysOf(time.Saturday, time.Sunday)), disabled})
	require.NoError(t, err)

	assert.Empty(t, s.Registrations("gone"))
	assert.Empty(t, s.Registrations("off"))
	assert.Len(t, s.Registrations("kept"), 4)
	assert.Equal(t, 2, sys.count())
	assert.Equal(t, 2, notes.count())
}

func TestSchedulePayloadCarriesSound(t *testing.T) {
	var got channel.Payload
	notes := &payloadRecorder{fn: func(p channel.Payload) { got = p }}
	s := New(newFakeChannel("sys"), notes, nil, WithClock(func() time.Time { return monday }))

	a := alarmAt("a1", 7, 0, 0)
	a.Label = "Gym"
	_, err := s.Schedule(context.Background(), a)
	require.NoError(t, err)

	assert.Equal(t, "a1", got.AlarmID)
	assert.Equal(t, "Gym", got.Title)
	assert.Equal(t, "sunrise", got.SoundFile)
	assert.Equal(t, "wav", got.SoundExt)
	assert.Equal(t, channel.InterruptionTimeSensitive, got.Interruption)
}

type payloadRecorder struct {
	fn func(channel.Payload)
}

func (p *payloadRecorder) Schedule(_ context.Context, _ channel.Trigger, pay channel.Payload) (string, error) {
	p.fn(pay)
	return "n1", nil
}

func (p *payloadRecorder) Cancel(context.Context, string) error { return nil }

func TestScheduleUsesAlarmZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 06:00 UTC is 02:00 EDT on Saturday 2026-10-17.
	now := time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC)
	s := New(newFakeChannel("sys"), newFakeChannel("note"), slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(func() time.Time { return now }), WithLocation(ny))
	ctx := context.Background()

	_, err = s.Schedule(ctx, alarmAt("once", 7, 0, 0))
	require.NoError(t, err)
	want := time.Date(2026, 10, 17, 7, 0, 0, 0, ny)
	for _, r := range s.Registrations("once") {
		assert.True(t, r.Trigger.At.Equal(want), "at = %s, want %s", r.Trigger.At, want)
	}
	assert.True(t, s.Next("once").Equal(want))

	_, err = s.Schedule(ctx, alarmAt("weekly", 7, 0, recurrence.DaysOf(time.Monday)))
	require.NoError(t, err)
	want = time.Date(2026, 10, 19, 7, 0, 0, 0, ny)
	assert.True(t, s.Next("weekly").Equal(want), "next = %s, want %s", s.Next("weekly"), want)
}

func TestFailedCancelIsRetried(t *testing.T) {
	s, sys, notes := newTestScheduler()
	ctx := context.Background()

	a := alarmAt("a1", 7, 0, recurrence.DaysOf(time.Monday))
	_, err := s.Schedule(ctx, a)
	require.NoError(t, err)

	sys.mu.Lock()
	sys.cancelFail = errors.New("service busy")
	sys.mu.Unlock()

	a.Enabled = false
	_, err = s.Schedule(ctx, a)
	assert.ErrorIs(t, err, ErrAlarmDisabled)
	assert.Equal(t, 0, notes.count())
	regs := s.Registrations("a1")
	require.Len(t, regs, 1)
	assert.Equal(t, channel.SourceSystem, regs[0].Source)

	assert.Error(t, s.Cancel(ctx, "a1"))
	assert.Equal(t, 1, sys.count())

	sys.mu.Lock()
	sys.cancelFail = nil
	sys.mu.Unlock()

	// A rebuild without the alarm retries the leftover registration.
	require.NoError(t, s.Rebuild(ctx, nil))
	assert.Equal(t, 0, sys.count())
	assert.Empty(t, s.Registrations("a1"))
}
