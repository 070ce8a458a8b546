// Package alarmsync reconciles the local alarm store with the remote alarm
// service. Local writes always win immediately; remote propagation is best
// effort and catches up on the next pull.
package alarmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/rouse/internal/event"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/remote"
	"github.com/dukerupert/rouse/internal/store"
	"github.com/dukerupert/rouse/internal/telemetry"
)

const (
	defaultPullTimeout = 3 * time.Second
	saveRetries        = 3
)

// MergePolicy decides what a pull does with a dirty local record whose remote
// counterpart no longer exists.
type MergePolicy string

const (
	// KeepDirty detaches the record from its old remote id so the next push
	// re-creates it.
	KeepDirty MergePolicy = "keep_dirty"
	// RemoteWins deletes it like any other record the remote side dropped.
	RemoteWins MergePolicy = "remote_wins"
)

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case "", KeepDirty:
		return KeepDirty, nil
	case RemoteWins:
		return RemoteWins, nil
	}
	return "", fmt.Errorf("unknown merge policy %q", s)
}

// SyncError wraps a failed remote operation. The local record is left dirty.
type SyncError struct {
	Op      string
	AlarmID string
	Err     error
}

func (e *SyncError) Error() string {
	if e.AlarmID == "" {
		return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sync %s %s: %v", e.Op, e.AlarmID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Remote is the remote alarm API.
type Remote interface {
	HasSession() bool
	ListAlarms(ctx context.Context) ([]remote.Alarm, error)
	CreateAlarm(ctx context.Context, in remote.AlarmInput) (remote.Alarm, error)
	UpdateAlarm(ctx context.Context, id int64, in remote.AlarmInput) (remote.Alarm, error)
	DeleteAlarm(ctx context.Context, id int64) error
	ToggleAlarm(ctx context.Context, id int64, enabled bool) (remote.Alarm, error)
}

// Store is the alarm store write path shared with the UI.
type Store interface {
	Get(ctx context.Context, id string) (*model.Alarm, error)
	Create(ctx context.Context, a model.Alarm) (*model.Alarm, error)
	List(ctx context.Context) ([]model.Alarm, error)
	ListUnsynced(ctx context.Context) ([]model.Alarm, error)
	Save(ctx context.Context, a model.Alarm) (*model.Alarm, error)
	Purge(ctx context.Context, id string) error
	ListTombstones(ctx context.Context) ([]store.Tombstone, error)
	ClearTombstone(ctx context.Context, remoteID int64) error
}

// Scheduler re-registers delivery channels after server-origin changes.
type Scheduler interface {
	Rebuild(ctx context.Context, alarms []model.Alarm) error
}

type Config struct {
	Remote      Remote
	Store       Store
	Scheduler   Scheduler
	Bus         *event.Bus
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
	Policy      MergePolicy
	PullTimeout time.Duration
}

// PullResult summarizes one reconciliation.
type PullResult struct {
	Skipped  bool `json:"skipped,omitempty"`
	Pushed   int  `json:"pushed"`
	Inserted int  `json:"inserted"`
	Updated  int  `json:"updated"`
	Adopted  int  `json:"adopted"`
	Removed  int  `json:"removed"`
	Kept     int  `json:"kept"`
}

type Coordinator struct {
	remote      Remote
	store       Store
	scheduler   Scheduler
	bus         *event.Bus
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	policy      MergePolicy
	pullTimeout time.Duration
	group       singleflight.Group
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		remote:      cfg.Remote,
		store:       cfg.Store,
		scheduler:   cfg.Scheduler,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		policy:      cfg.Policy,
		pullTimeout: cfg.PullTimeout,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = telemetry.Noop()
	}
	if c.policy == "" {
		c.policy = KeepDirty
	}
	if c.pullTimeout <= 0 {
		c.pullTimeout = defaultPullTimeout
	}
	return c
}

func (c *Coordinator) online() bool {
	return c.remote != nil && c.remote.HasSession()
}

// PushCreate sends a local-only alarm to the remote service and records the
// assigned remote id. Without a session it does nothing.
func (c *Coordinator) PushCreate(ctx context.Context, a model.Alarm) error {
	if !c.online() {
		return nil
	}
	if a.RemoteID != nil {
		return c.PushUpdate(ctx, a)
	}
	r, err := c.remote.CreateAlarm(ctx, remote.InputFrom(a))
	if err != nil {
		return &SyncError{Op: "create", AlarmID: a.ID, Err: err}
	}
	return c.confirm(ctx, "create", a.ID, r)
}

// PushUpdate sends the full content of a synced alarm. An alarm the remote
// side no longer knows is re-created.
func (c *Coordinator) PushUpdate(ctx context.Context, a model.Alarm) error {
	if !c.online() {
		return nil
	}
	if a.RemoteID == nil {
		return c.PushCreate(ctx, a)
	}
	r, err := c.remote.UpdateAlarm(ctx, *a.RemoteID, remote.InputFrom(a))
	if errors.Is(err, remote.ErrNotFound) {
		c.logger.Info("remote alarm vanished, re-creating", "alarm_id", a.ID, "remote_id", *a.RemoteID)
		r, err = c.remote.CreateAlarm(ctx, remote.InputFrom(a))
	}
	if err != nil {
		return &SyncError{Op: "update", AlarmID: a.ID, Err: err}
	}
	return c.confirm(ctx, "update", a.ID, r)
}

// PushToggle sends only the enabled flag.
func (c *Coordinator) PushToggle(ctx context.Context, a model.Alarm) error {
	if !c.online() {
		return nil
	}
	if a.RemoteID == nil {
		return c.PushCreate(ctx, a)
	}
	r, err := c.remote.ToggleAlarm(ctx, *a.RemoteID, a.Enabled)
	if errors.Is(err, remote.ErrNotFound) {
		return c.PushUpdate(ctx, a)
	}
	if err != nil {
		return &SyncError{Op: "toggle", AlarmID: a.ID, Err: err}
	}
	return c.confirm(ctx, "toggle", a.ID, r)
}

// PushDelete deletes the remote copy of a locally deleted alarm and clears
// its tombstone. A remote 404 counts as done.
func (c *Coordinator) PushDelete(ctx context.Context, ts store.Tombstone) error {
	if !c.online() {
		return nil
	}
	err := c.remote.DeleteAlarm(ctx, ts.RemoteID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return &SyncError{Op: "delete", AlarmID: ts.AlarmID, Err: err}
	}
	if err := c.store.ClearTombstone(ctx, ts.RemoteID); err != nil {
		return &SyncError{Op: "delete", AlarmID: ts.AlarmID, Err: err}
	}
	return nil
}

// confirm records the outcome of a successful push on the current local
// record. The record is marked synced only if its content still matches what
// the remote side now holds; an edit made while the push was in flight keeps
// it dirty.
func (c *Coordinator) confirm(ctx context.Context, op, id string, r remote.Alarm) error {
	pushed, err := r.Model()
	if err != nil {
		return &SyncError{Op: op, AlarmID: id, Err: err}
	}

	for range saveRetries {
		cur, err := c.store.Get(ctx, id)
		if err != nil {
			return &SyncError{Op: op, AlarmID: id, Err: err}
		}
		if cur == nil {
			// Deleted locally while the push was in flight.
			if err := c.remote.DeleteAlarm(ctx, r.ID); err != nil && !errors.Is(err, remote.ErrNotFound) {
				c.logger.Warn("remove orphaned remote alarm", "remote_id", r.ID, "error", err)
			}
			return nil
		}

		remoteID := r.ID
		cur.RemoteID = &remoteID
		if cur.SameContent(pushed) {
			cur.SyncStatus = model.SyncSynced
		} else {
			cur.SyncStatus = model.SyncDirty
		}
		_, err = c.store.Save(ctx, *cur)
		if errors.Is(err, store.ErrStaleWrite) {
			continue
		}
		if err != nil {
			return &SyncError{Op: op, AlarmID: id, Err: err}
		}
		c.logger.Debug("alarm pushed", "op", op, "alarm_id", id, "remote_id", r.ID, "status", cur.SyncStatus)
		return nil
	}
	return &SyncError{Op: op, AlarmID: id, Err: store.ErrStaleWrite}
}

// Pull reconciles with the remote list. Concurrent calls share one run. The
// whole run is bounded by the pull timeout; on timeout the local data stays
// as it is. Without a session Pull is a no-op.
func (c *Coordinator) Pull(ctx context.Context) (PullResult, error) {
	if !c.online() {
		return PullResult{Skipped: true}, nil
	}
	v, err, _ := c.group.Do("pull", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.pullTimeout)
		defer cancel()

		start := time.Now()
		res, err := c.pull(pctx)
		if err != nil {
			c.metrics.SyncPull(ctx, "error", time.Since(start))
			return res, err
		}
		c.metrics.SyncPull(ctx, "ok", time.Since(start))
		if c.bus != nil {
			c.bus.Publish(event.TopicSyncCompleted, res)
		}
		c.logger.Info("pull complete",
			"pushed", res.Pushed, "inserted", res.Inserted, "updated", res.Updated,
			"adopted", res.Adopted, "removed", res.Removed, "kept", res.Kept,
			"duration", time.Since(start))
		return res, nil
	})
	return v.(PullResult), err
}

func (c *Coordinator) pull(ctx context.Context) (PullResult, error) {
	var res PullResult

	// Outstanding deletes first.
	tombs, err := c.store.ListTombstones(ctx)
	if err != nil {
		return res, &SyncError{Op: "pull", Err: err}
	}
	for _, ts := range tombs {
		if err := c.PushDelete(ctx, ts); err != nil {
			c.logger.Warn("retry delete failed", "error", err)
			continue
		}
		res.Pushed++
	}

	remotes, err := c.remote.ListAlarms(ctx)
	if err != nil {
		return res, &SyncError{Op: "pull", Err: err}
	}
	// A create whose response was lost already exists remotely. Adopting it
	// before the retry keeps the retry from making a second copy.
	if err := c.adopt(ctx, remotes, &res); err != nil {
		return res, &SyncError{Op: "pull", Err: err}
	}

	unsynced, err := c.store.ListUnsynced(ctx)
	if err != nil {
		return res, &SyncError{Op: "pull", Err: err}
	}
	pushed := res.Pushed
	for _, a := range unsynced {
		if err := c.PushUpdate(ctx, a); err != nil {
			c.logger.Warn("retry push failed", "error", err)
			continue
		}
		res.Pushed++
	}
	if res.Pushed > pushed {
		if remotes, err = c.remote.ListAlarms(ctx); err != nil {
			return res, &SyncError{Op: "pull", Err: err}
		}
	}
	if err := c.merge(ctx, remotes, &res); err != nil {
		return res, &SyncError{Op: "pull", Err: err}
	}

	all, err := c.store.List(ctx)
	if err != nil {
		return res, &SyncError{Op: "pull", Err: err}
	}
	if c.scheduler != nil {
		if err := c.scheduler.Rebuild(ctx, all); err != nil {
			// Partial channel failures are already logged by the scheduler.
			c.logger.Warn("reschedule after pull", "error", err)
		}
	}
	return res, nil
}

// adopt gives local-only records the remote id of an unclaimed remote record
// with identical content.
func (c *Coordinator) adopt(ctx context.Context, remotes []remote.Alarm, res *PullResult) error {
	locals, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	tombs, err := c.store.ListTombstones(ctx)
	if err != nil {
		return err
	}
	claimed := make(map[int64]bool, len(locals)+len(tombs))
	var localOnly []model.Alarm
	for _, l := range locals {
		if l.RemoteID != nil {
			claimed[*l.RemoteID] = true
		} else {
			localOnly = append(localOnly, l)
		}
	}
	if len(localOnly) == 0 {
		return nil
	}
	for _, ts := range tombs {
		claimed[ts.RemoteID] = true
	}

	taken := make(map[string]bool)
	for _, r := range remotes {
		if claimed[r.ID] {
			continue
		}
		incoming, err := r.Model()
		if err != nil {
			continue
		}
		l, ok := matchContent(localOnly, incoming, taken)
		if !ok {
			continue
		}
		taken[l.ID] = true
		id := r.ID
		l.RemoteID = &id
		l.SyncStatus = model.SyncSynced
		if err := c.overwrite(ctx, l); err != nil {
			return err
		}
		c.logger.Debug("alarm adopted", "alarm_id", l.ID, "remote_id", r.ID)
		res.Adopted++
	}
	return nil
}

// merge applies the remote list to the store:
//   - a record with a matching remote id takes the remote content
//   - a local-only record with identical content adopts the remote id
//   - an unknown remote record is inserted
//   - a record whose remote id disappeared is removed, except dirty ones
//     under KeepDirty
func (c *Coordinator) merge(ctx context.Context, remotes []remote.Alarm, res *PullResult) error {
	tombs, err := c.store.ListTombstones(ctx)
	if err != nil {
		return err
	}
	tombstoned := make(map[int64]bool, len(tombs))
	for _, ts := range tombs {
		tombstoned[ts.RemoteID] = true
	}

	locals, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	byRemote := make(map[int64]model.Alarm)
	var localOnly []model.Alarm
	for _, l := range locals {
		if l.RemoteID != nil {
			byRemote[*l.RemoteID] = l
		} else {
			localOnly = append(localOnly, l)
		}
	}

	seen := make(map[int64]bool, len(remotes))
	adopted := make(map[string]bool)
	for _, r := range remotes {
		if tombstoned[r.ID] {
			continue
		}
		incoming, err := r.Model()
		if err != nil {
			c.logger.Warn("skip malformed remote alarm", "error", err)
			continue
		}
		seen[r.ID] = true

		if l, ok := byRemote[r.ID]; ok {
			if l.SameContent(incoming) && l.SyncStatus == model.SyncSynced {
				continue
			}
			changed := !l.SameContent(incoming)
			l.CopyContent(incoming)
			l.SyncStatus = model.SyncSynced
			if err := c.overwrite(ctx, l); err != nil {
				return err
			}
			if changed {
				res.Updated++
			}
			continue
		}

		if l, ok := matchContent(localOnly, incoming, adopted); ok {
			adopted[l.ID] = true
			id := r.ID
			l.RemoteID = &id
			l.SyncStatus = model.SyncSynced
			if err := c.overwrite(ctx, l); err != nil {
				return err
			}
			res.Adopted++
			continue
		}

		incoming.SyncStatus = model.SyncSynced
		incoming.UpdatedAt = time.Time{}
		if _, err := c.store.Create(ctx, incoming); err != nil {
			return err
		}
		res.Inserted++
	}

	for remoteID, l := range byRemote {
		if seen[remoteID] || tombstoned[remoteID] {
			continue
		}
		if l.SyncStatus == model.SyncDirty && c.policy == KeepDirty {
			l.RemoteID = nil
			l.SyncStatus = model.SyncLocal
			if err := c.overwrite(ctx, l); err != nil {
				return err
			}
			res.Kept++
			continue
		}
		if err := c.store.Purge(ctx, l.ID); err != nil {
			return err
		}
		if c.bus != nil {
			c.bus.Publish(event.TopicAlarmDeleted, l)
		}
		res.Removed++
	}
	return nil
}

// overwrite saves a merge result with the UpdatedAt it was read with. A user
// edit that landed in between is newer, wins, and the merge is retried on the
// next pull.
func (c *Coordinator) overwrite(ctx context.Context, a model.Alarm) error {
	_, err := c.store.Save(ctx, a)
	if errors.Is(err, store.ErrStaleWrite) {
		c.logger.Info("local edit won over merge", "alarm_id", a.ID)
		return nil
	}
	return err
}

func matchContent(candidates []model.Alarm, incoming model.Alarm, taken map[string]bool) (model.Alarm, bool) {
	for _, l := range candidates {
		if !taken[l.ID] && l.SameContent(incoming) {
			return l, true
		}
	}
	return model.Alarm{}, false
}

// Run pulls every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Pull(ctx); err != nil {
				c.logger.Warn("periodic pull failed", "error", err)
			}
		}
	}
}
