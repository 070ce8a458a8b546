// Package host runs both delivery channels in-process on a cron engine, so
// the daemon can act as its own system alarm and notification service.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/dukerupert/rouse/internal/channel"
)

// ErrNotAuthorized is returned when the user revoked the channel's permission.
var ErrNotAuthorized = errors.New("not authorized")

// ErrUnknownRegistration is returned by Fire and Tap for ids that are not live.
var ErrUnknownRegistration = errors.New("unknown registration")

// weeklyParser parses "S M H * * DOW" expressions.
var weeklyParser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// onceSchedule fires a single time at at.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

func cronSchedule(t channel.Trigger) (cronlib.Schedule, error) {
	if !t.Repeats {
		if t.At.IsZero() {
			return nil, errors.New("one-shot trigger without instant")
		}
		return onceSchedule{at: t.At}, nil
	}
	expr := fmt.Sprintf("%d %d %d * * %d", t.Second, t.Minute, t.Hour, int(t.Weekday))
	sched, err := weeklyParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, err)
	}
	return sched, nil
}

type job struct {
	entry    cronlib.EntryID
	alarmID  string
	trigger  channel.Trigger
	delivery func(firedAt time.Time) channel.Delivery
}

// engine owns the cron runner and the set of live registrations. Every job
// checks the live set under mu before emitting, and Cancel removes from it
// under the same lock, so a cancelled id can never deliver after Cancel
// returns.
type engine struct {
	cron   *cronlib.Cron
	logger *slog.Logger
	emit   func(channel.Delivery)
	now    func() time.Time

	mu   sync.Mutex
	live map[string]*job
}

func newEngine(loc *time.Location, logger *slog.Logger, emit func(channel.Delivery)) *engine {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &engine{
		cron:   cronlib.New(cronlib.WithLocation(loc), cronlib.WithSeconds()),
		logger: logger,
		emit:   emit,
		now:    time.Now,
		live:   make(map[string]*job),
	}
}

func (e *engine) add(id string, alarmID string, t channel.Trigger, delivery func(time.Time) channel.Delivery) error {
	sched, err := cronSchedule(t)
	if err != nil {
		return err
	}

	j := &job{alarmID: alarmID, trigger: t, delivery: delivery}

	e.mu.Lock()
	defer e.mu.Unlock()
	j.entry = e.cron.Schedule(sched, cronlib.FuncJob(func() { e.fire(id, false) }))
	e.live[id] = j
	return nil
}

// fire emits the job's delivery if id is still live. One-shot jobs are
// retired after firing. Manual fires leave the job in place.
func (e *engine) fire(id string, manual bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.live[id]
	if !ok {
		return false
	}
	if !j.trigger.Repeats && !manual {
		e.cron.Remove(j.entry)
		delete(e.live, id)
	}
	d := j.delivery(e.now())
	e.logger.Info("registration fired", "id", id, "alarm_id", j.alarmID, "source", d.Source)
	e.emit(d)
	return true
}

func (e *engine) cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.live[id]
	if !ok {
		return
	}
	e.cron.Remove(j.entry)
	delete(e.live, id)
}

func (e *engine) isLive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.live[id]
	return ok
}

func (e *engine) liveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

func (e *engine) start() {
	e.cron.Start()
}

// stop halts the runner and waits for running jobs up to ctx's deadline.
func (e *engine) stop(ctx context.Context) error {
	done := e.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
