// Package delivery turns channel deliveries into a ringing alarm: it starts
// the sound, runs the dismissal mission and tears everything down again.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/rouse/internal/channel"
	"github.com/dukerupert/rouse/internal/event"
	"github.com/dukerupert/rouse/internal/mission"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/schedule"
	"github.com/dukerupert/rouse/internal/sound"
	"github.com/dukerupert/rouse/internal/telemetry"
)

var (
	ErrNotRinging      = errors.New("no alarm is ringing")
	ErrMissionRequired = errors.New("alarm requires a mission to dismiss")
)

const (
	defaultDedupeWindow = 2 * time.Minute
	dismissTimeout      = 10 * time.Second
	subscriberBuffer    = 64
)

type Alarms interface {
	Get(ctx context.Context, id string) (*model.Alarm, error)
	// Disable turns off a one-shot alarm once it has rung.
	Disable(ctx context.Context, id string) (*model.Alarm, error)
}

type Scheduler interface {
	RescheduleNext(ctx context.Context, a model.Alarm) (schedule.ChannelIDs, error)
}

// Player is the part of the sound controller the router drives.
type Player interface {
	PlayAlarm(ref sound.Ref, volume float64) (sound.Status, error)
	StopSession(id string) bool
}

type Config struct {
	Alarms    Alarms
	Scheduler Scheduler
	Player    Player
	Bus       *event.Bus

	Provider  mission.QuestionProvider
	Checker   mission.AnswerChecker
	Dismisser mission.Dismisser
	Policy    mission.Policy

	DefaultSound sound.Ref
	DedupeWindow time.Duration
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	Now          func() time.Time
}

// Ringing is the state published to the presentation layer while an alarm
// rings.
type Ringing struct {
	AlarmID   string            `json:"alarm_id"`
	Label     string            `json:"label"`
	Mission   model.MissionType `json:"mission"`
	Source    channel.Source    `json:"source"`
	Sound     sound.Ref         `json:"sound"`
	Volume    float64           `json:"volume"`
	SessionID string            `json:"session_id,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Queued    int               `json:"queued"`
}

// Stopped is published when a ringing alarm is resolved.
type Stopped struct {
	AlarmID     string `json:"alarm_id"`
	DismissType string `json:"dismiss_type"`
}

type ringing struct {
	Ringing
	alarm  *model.Alarm
	engine *mission.Engine
	stop   chan struct{}
	once   sync.Once
}

func (c *ringing) end() {
	c.once.Do(func() { close(c.stop) })
}

// Router is the single consumer of channel deliveries. One alarm rings at a
// time; a different alarm firing meanwhile is queued.
type Router struct {
	alarms    Alarms
	scheduler Scheduler
	player    Player
	bus       *event.Bus
	provider  mission.QuestionProvider
	checker   mission.AnswerChecker
	dismisser mission.Dismisser
	defSound  sound.Ref
	window    time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	mu       sync.Mutex
	policy   mission.Policy
	current  *ringing
	queue    []channel.Delivery
	resolved map[string]time.Time
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg Config) *Router {
	r := &Router{
		alarms:    cfg.Alarms,
		scheduler: cfg.Scheduler,
		player:    cfg.Player,
		bus:       cfg.Bus,
		provider:  cfg.Provider,
		checker:   cfg.Checker,
		dismisser: cfg.Dismisser,
		defSound:  cfg.DefaultSound,
		window:    cfg.DedupeWindow,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		policy:    cfg.Policy,
		resolved:  make(map[string]time.Time),
	}
	if r.defSound.IsZero() {
		r.defSound = sound.Bundled
	}
	if r.window <= 0 {
		r.window = defaultDedupeWindow
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = telemetry.Noop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.provider == nil {
		r.provider = mission.NewLocal(nil, uint64(time.Now().UnixNano()))
	}
	return r
}

// SetPolicy replaces the mission policy for missions started afterwards.
func (r *Router) SetPolicy(p mission.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// ResolveSoundRef picks the sound for a delivery: the sound cached in the
// notification payload, then the alarm's stored sound, then def.
func ResolveSoundRef(p *channel.Payload, a *model.Alarm, def sound.Ref) sound.Ref {
	if p != nil && p.SoundFile != "" {
		return sound.Ref{Name: p.SoundFile, Ext: p.SoundExt}
	}
	if a != nil && a.Sound.Name != "" {
		return sound.Ref{Name: a.Sound.Name, Ext: a.Sound.Ext}
	}
	return def
}

// Run consumes deliveries from the bus until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	sub := r.bus.SubscribeSize(event.TopicTrigger, subscriberBuffer)
	defer r.bus.Unsubscribe(sub)

	r.logger.Info("delivery router started")
	for {
		select {
		case <-ctx.Done():
			r.Close()
			r.wg.Wait()
			return nil
		case ev := <-sub.Ch():
			d, ok := ev.Payload.(channel.Delivery)
			if !ok {
				r.logger.Warn("unexpected trigger payload", "topic", ev.Topic)
				continue
			}
			r.OnTriggered(ctx, d)
		}
	}
}

// OnTriggered handles one delivery. A delivery for the alarm that is already
// ringing, or that was resolved within the dedupe window, is a no-op. It
// reports whether the alarm started ringing.
func (r *Router) OnTriggered(ctx context.Context, d channel.Delivery) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if r.isDuplicateLocked(d.AlarmID) {
		r.metrics.Triggered(ctx, string(d.Source), true)
		r.logger.Debug("duplicate delivery ignored", "alarm_id", d.AlarmID, "source", d.Source, "tapped", d.Tapped)
		return false
	}
	r.metrics.Triggered(ctx, string(d.Source), false)

	if r.current != nil {
		for _, q := range r.queue {
			if q.AlarmID == d.AlarmID {
				return false
			}
		}
		r.queue = append(r.queue, d)
		r.current.Queued = len(r.queue)
		r.logger.Info("alarm queued behind ringing alarm", "alarm_id", d.AlarmID, "ringing", r.current.AlarmID)
		return false
	}

	r.startLocked(ctx, d)
	return true
}

func (r *Router) isDuplicateLocked(alarmID string) bool {
	if r.current != nil && r.current.AlarmID == alarmID {
		return true
	}
	now := r.now()
	for id, at := range r.resolved {
		if now.Sub(at) >= r.window {
			delete(r.resolved, id)
		}
	}
	_, recent := r.resolved[alarmID]
	return recent
}

func (r *Router) startLocked(ctx context.Context, d channel.Delivery) {
	a, err := r.alarms.Get(ctx, d.AlarmID)
	if err != nil {
		// Never stay silent: ring with whatever the payload or default gives.
		r.logger.Warn("alarm lookup failed, ringing with default", "alarm_id", d.AlarmID, "error", err)
		a = nil
	}

	ref := ResolveSoundRef(d.Payload, a, r.defSound)
	volume := 1.0
	label := "Alarm"
	kind := model.MissionNone
	if a != nil {
		if a.Sound.Volume > 0 {
			volume = a.Sound.Volume
		}
		label = a.DisplayLabel()
		kind = a.Mission
	} else if d.Payload != nil && d.Payload.Title != "" {
		label = d.Payload.Title
	}

	cur := &ringing{
		Ringing: Ringing{
			AlarmID:   d.AlarmID,
			Label:     label,
			Mission:   kind,
			Source:    d.Source,
			Sound:     ref,
			Volume:    volume,
			StartedAt: r.now(),
		},
		alarm: a,
		stop:  make(chan struct{}),
	}

	status, err := r.player.PlayAlarm(ref, volume)
	if err != nil {
		r.logger.Error("no sound could be played", "alarm_id", d.AlarmID, "error", err)
	} else {
		cur.SessionID = status.ID
		cur.Sound = status.Ref
	}

	if kind != model.MissionNone {
		eng, err := r.newEngine(cur)
		if err != nil {
			r.logger.Error("mission unavailable, direct dismiss allowed", "alarm_id", d.AlarmID, "error", err)
			cur.Mission = model.MissionNone
		} else {
			cur.engine = eng
		}
	}

	r.current = cur
	r.logger.Info("alarm ringing", "alarm_id", d.AlarmID, "source", d.Source, "sound", cur.Sound.File(), "mission", cur.Mission)
	r.publish(event.TopicRingingStarted, cur.Ringing)

	if cur.engine != nil {
		eng, bg := cur.engine, context.WithoutCancel(ctx)
		r.wg.Add(2)
		go func() {
			defer r.wg.Done()
			if err := eng.Start(bg); err != nil && !errors.Is(err, mission.ErrClosed) {
				r.logger.Error("mission start failed", "alarm_id", cur.AlarmID, "error", err)
				r.degrade(cur)
			}
		}()
		go func() {
			defer r.wg.Done()
			select {
			case <-eng.Done():
				res, _ := eng.Result()
				r.resolve(bg, res.AlarmID, res.DismissType)
			case <-cur.stop:
			}
		}()
	}
}

// degrade drops a mission that could not start so the alarm can still be
// dismissed directly.
func (r *Router) degrade(cur *ringing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != cur {
		return
	}
	cur.engine.Close()
	cur.engine = nil
	cur.Mission = model.MissionNone
	cur.end()
	r.publish(event.TopicRingingStarted, cur.Ringing)
}

func (r *Router) newEngine(cur *ringing) (*mission.Engine, error) {
	var params model.MissionParams
	if cur.alarm != nil {
		params = cur.alarm.MissionParams
	}
	return mission.New(mission.Config{
		AlarmID:   cur.AlarmID,
		Type:      cur.Mission,
		Params:    params,
		Provider:  r.provider,
		Checker:   r.checker,
		Dismisser: r.dismisser,
		Policy:    r.policy,
		Logger:    r.logger,
		Metrics:   r.metrics,
		OnChange: func(s mission.Snapshot) {
			r.publish(event.TopicMissionState, s)
		},
	})
}

// Dismiss stops an alarm that has no mission.
func (r *Router) Dismiss(ctx context.Context, alarmID string) error {
	r.mu.Lock()
	cur := r.current
	if cur == nil || (alarmID != "" && cur.AlarmID != alarmID) {
		r.mu.Unlock()
		return ErrNotRinging
	}
	if cur.engine != nil {
		r.mu.Unlock()
		return ErrMissionRequired
	}
	r.mu.Unlock()

	if !r.resolve(ctx, cur.AlarmID, mission.DismissDirect) || r.dismisser == nil {
		return nil
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dismissTimeout)
		defer cancel()
		if err := r.dismisser.Dismiss(dctx, cur.AlarmID, mission.DismissDirect, 0); err != nil {
			r.logger.Warn("remote dismiss failed", "alarm_id", cur.AlarmID, "error", err)
		}
	}()
	return nil
}

// resolve stops the ringing alarm, keeps its next occurrence scheduled and
// starts the next queued alarm, if any. It reports false when alarmID was
// not the ringing alarm.
func (r *Router) resolve(ctx context.Context, alarmID, dismissType string) bool {
	r.mu.Lock()
	cur := r.current
	if cur == nil || cur.AlarmID != alarmID {
		r.mu.Unlock()
		return false
	}
	if cur.SessionID != "" {
		r.player.StopSession(cur.SessionID)
	}
	if cur.engine != nil {
		cur.engine.Close()
	}
	cur.end()
	r.current = nil
	r.resolved[alarmID] = r.now()
	r.logger.Info("alarm resolved", "alarm_id", alarmID, "dismiss_type", dismissType)
	r.publish(event.TopicRingingStopped, Stopped{AlarmID: alarmID, DismissType: dismissType})
	r.mu.Unlock()

	r.afterRing(ctx, cur)

	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.closed && r.current == nil && len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		if r.isDuplicateLocked(next.AlarmID) {
			continue
		}
		r.startLocked(ctx, next)
		r.current.Queued = len(r.queue)
	}
	return true
}

// afterRing keeps a repeating alarm's future occurrences live and turns off
// a one-shot alarm.
func (r *Router) afterRing(ctx context.Context, cur *ringing) {
	if cur.alarm == nil {
		return
	}
	a := *cur.alarm
	if a.Repeats() {
		if _, err := r.scheduler.RescheduleNext(ctx, a); err != nil {
			r.logger.Warn("reschedule next occurrence", "alarm_id", a.ID, "error", err)
		}
		return
	}
	if _, err := r.alarms.Disable(ctx, a.ID); err != nil {
		r.logger.Warn("disable one-shot alarm", "alarm_id", a.ID, "error", err)
	}
}

// Close silences the ringing alarm without resolving it and drops the queue.
// Used at shutdown; registrations are left as they are.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.queue = nil
	if cur := r.current; cur != nil {
		if cur.engine != nil {
			cur.engine.Close()
		}
		if cur.SessionID != "" {
			r.player.StopSession(cur.SessionID)
		}
		cur.end()
		r.current = nil
	}
}

// Ringing returns the ringing alarm, if any.
func (r *Router) Ringing() (Ringing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Ringing{}, false
	}
	return r.current.Ringing, true
}

func (r *Router) engine() (*mission.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil, ErrNotRinging
	}
	if r.current.engine == nil {
		return nil, mission.ErrWrongInput
	}
	return r.current.engine, nil
}

// Mission returns the snapshot of the running mission.
func (r *Router) Mission() (mission.Snapshot, error) {
	eng, err := r.engine()
	if err != nil {
		return mission.Snapshot{}, err
	}
	return eng.Snapshot(), nil
}

// Submit forwards an answer to the running mission.
func (r *Router) Submit(ctx context.Context, answer string) (mission.State, error) {
	eng, err := r.engine()
	if err != nil {
		return "", err
	}
	return eng.Submit(ctx, answer)
}

// UpdateLocation forwards a location fix to a running distance mission.
func (r *Router) UpdateLocation(ctx context.Context, fix mission.Fix) (mission.State, error) {
	eng, err := r.engine()
	if err != nil {
		return "", err
	}
	return eng.UpdateLocation(ctx, fix)
}

// Wait blocks until background mission and dismiss work has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}
