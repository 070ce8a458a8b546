package alarmsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/rouse/internal/database"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
	"github.com/dukerupert/rouse/internal/remote"
	"github.com/dukerupert/rouse/internal/store"
)

// fakeRemote is an in-memory remote alarm service.
type fakeRemote struct {
	mu      sync.Mutex
	session bool
	nextID  int64
	alarms  map[int64]remote.Alarm
	failAll error
	// failWrites fails create, update and toggle only.
	failWrites error
	delay      time.Duration
	creates    int
	deletes    []int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{session: true, nextID: 100, alarms: make(map[int64]remote.Alarm)}
}

func (f *fakeRemote) HasSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeRemote) put(id int64, in remote.AlarmInput) remote.Alarm {
	r := remote.Alarm{
		ID: id, Time: in.Time, RepeatRule: in.RepeatRule, Enabled: in.Enabled, Label: in.Label,
		MissionType: in.MissionType, DistanceMeters: in.DistanceMeters, QuestionCount: in.QuestionCount,
		Difficulty: in.Difficulty, SoundName: in.SoundName, SoundExt: in.SoundExt, Volume: in.Volume,
		UpdatedAt: time.Now().UTC(),
	}
	f.alarms[id] = r
	return r
}

func (f *fakeRemote) ListAlarms(ctx context.Context) ([]remote.Alarm, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	out := make([]remote.Alarm, 0, len(f.alarms))
	for _, a := range f.alarms {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRemote) CreateAlarm(_ context.Context, in remote.AlarmInput) (remote.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := errors.Join(f.failAll, f.failWrites); err != nil {
		return remote.Alarm{}, err
	}
	f.nextID++
	f.creates++
	return f.put(f.nextID, in), nil
}

func (f *fakeRemote) UpdateAlarm(_ context.Context, id int64, in remote.AlarmInput) (remote.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := errors.Join(f.failAll, f.failWrites); err != nil {
		return remote.Alarm{}, err
	}
	if _, ok := f.alarms[id]; !ok {
		return remote.Alarm{}, remote.ErrNotFound
	}
	return f.put(id, in), nil
}

func (f *fakeRemote) DeleteAlarm(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.deletes = append(f.deletes, id)
	if _, ok := f.alarms[id]; !ok {
		return remote.ErrNotFound
	}
	delete(f.alarms, id)
	return nil
}

func (f *fakeRemote) ToggleAlarm(_ context.Context, id int64, enabled bool) (remote.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := errors.Join(f.failAll, f.failWrites); err != nil {
		return remote.Alarm{}, err
	}
	r, ok := f.alarms[id]
	if !ok {
		return remote.Alarm{}, remote.ErrNotFound
	}
	r.Enabled = enabled
	f.alarms[id] = r
	return r, nil
}

func (f *fakeRemote) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err
}

func (f *fakeRemote) setFailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = err
}

type fakeScheduler struct {
	mu       sync.Mutex
	rebuilds [][]model.Alarm
}

func (s *fakeScheduler) Rebuild(_ context.Context, alarms []model.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilds = append(s.rebuilds, alarms)
	return nil
}

type fixture struct {
	store  *store.AlarmStore
	remote *fakeRemote
	sched  *fakeScheduler
	coord  *Coordinator
}

func setup(t *testing.T, policy MergePolicy) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:  store.NewAlarmStore(db),
		remote: newFakeRemote(),
		sched:  &fakeScheduler{},
	}
	f.coord = New(Config{
		Remote:    f.remote,
		Store:     f.store,
		Scheduler: f.sched,
		Policy:    policy,
	})
	return f
}

func weekdayAlarm(label string) model.Alarm {
	return model.Alarm{
		Time:       recurrence.TimeOfDay{Hour: 7},
		RepeatDays: recurrence.DaysOf(time.Monday, time.Wednesday, time.Friday),
		Enabled:    true,
		Label:      label,
		Mission:    model.MissionArithmetic,
		Sound:      model.Sound{Name: "birds", Ext: "mp3", Volume: 0.8},
	}
}

func TestPushCreateAssignsRemoteID(t *testing.T) {
	f := setup(t, KeepDirty)
	ctx := context.Background()

	a, err := f.store.Create(ctx, weekdayAlarm("work"))
	require.NoError(t, err)
	assert.Equal(t, model.SyncLocal, a.SyncStatus)

	require.NoError(t, f.coord.PushCreate(ctx, *a))

	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteID)
	assert.Equal(t, int64(101), *got.RemoteID)
	assert.Equal(t, model.SyncSynced, got.SyncStatus)
}

func TestRoundTripDoesNotDuplicate(t *testing.T) {
	f := setup(t, KeepDirty)
	ctx := context.Background()

	// Created offline.
	f.remote.setFail(errors.New("offline"))
	a, err := f.store.Create(ctx, weekdayAlarm("gym"))
	require.NoError(t, err)
	err = f.coord.PushCreate(ctx, *a)
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "create", serr.Op)

	// Back online; the pull pushes it first, then merges.
	f.remote.setFail(nil)
	for range 3 {
		_, err := f.coord.Pull(ctx)
		require.NoError(t, err)
	}

	all, err := f.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, a.ID, all[0].ID)
	require.NotNil(t, all[0].RemoteID)
	assert.Equal(t, model.SyncSynced, all[0].SyncStatus)
	assert.Equal(t, 1, f.remote.creates)
}

func TestPullAdoptsMatchingLocalRecord(t *testing.T) {
	for _, tc := range []struct {
		name       string
		failWrites bool
	}{
		{name: "retry would succeed"},
		{name: "retry fails", failWrites: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t, KeepDirty)
			ctx := context.Background()

			// The remote has the record but the create response was lost.
			f.remote.put(7, remote.InputFrom(weekdayAlarm("lost")))
			a, err := f.store.Create(ctx, weekdayAlarm("lost"))
			require.NoError(t, err)
			if tc.failWrites {
				f.remote.setFailWrites(errors.New("503"))
			}

			res, err := f.coord.Pull(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Adopted)
			assert.Zero(t, res.Inserted)
			assert.Zero(t, res.Pushed)

			got, err := f.store.Get(ctx, a.ID)
			require.NoError(t, err)
			require.NotNil(t, got.RemoteID)
			assert.Equal(t, int64(7), *got.RemoteID)
			assert.Equal(t, model.SyncSynced, got.SyncStatus)

			all, err := f.store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
			assert.Zero(t, f.remote.creates)
			assert.Len(t, f.remote.alarms, 1)
		})
	}
}

func TestPullAdoptsOnlyUnclaimedRemoteRecords(t *testing.T) {
	f := setup(t, KeepDirty)
	ctx := context.Background()

	// Two identical alarms, one already synced as remote 7.
	synced, err := f.store.Create(ctx, weekdayAlarm("twin"))
	require.NoError(t, err)
	require.NoError(t, f.coord.PushCreate(ctx, *synced))
	offline, err := f.store.Create(ctx, weekdayAlarm("twin"))
	require.NoError(t, err)

	res, err := f.coord.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Adopted)
	assert.Equal(t, 1, res.Pushed)

	got, err := f.store.Get(ctx, offline.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteID)
	first, err := f.store.Get(ctx, synced.ID)
	require.NoError(t, err)
	assert.NotEqual(t, *first.RemoteID, *got.RemoteID)
	assert.Len(t, f.remote.alarms, 2)
}

func TestPullInsertsAndOverwrites(t *testing.T) {
	f := setup(t, KeepDirty)
	ctx := context.Background()

	a, err := f.store.Create(ctx, weekdayAlarm("mine"))
	require.NoError(t, err)
	require.NoError(t, f.coord.PushCreate(ctx, *a))
	got, _ := f.store.Get(ctx, a.ID)
	rid := *got.RemoteID

	// Server-side edit plus a record created on another device.
	edited := remote.InputFrom(weekdayAlarm("renamed on web"))
	edited.Time = "06:30:00"
	f.remote.put(rid, edited)
	f.remote.put(500, remote.InputFrom(weekdayAlarm("other device")))

	res, err := f.coord.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Inserted)

	got, _ = f.store.Get(ctx, a.ID)
	assert.Equal(t, "renamed on web", got.Label)
	assert.Equal(t, recurrence.TimeOfDay{Hour: 6, Minute: 30}, got.Time)
	assert.Equal(t, model.SyncSynced, got.SyncStatus)

	other, err := f.store.GetByRemoteID(ctx, 500)
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, "other device", other.Label)
}

func TestPullReschedulesEveryAlarm(t *testing.T) {
	f := setup(t, KeepDirty)
	ctx := context.Background()

	f.remote.put(1, remote.InputFrom(weekdayAlarm("a")))
	f.remote.put(2, remote.InputFrom(weekdayAlarm("b")))

	_, err := f.coord.Pull(ctx)
	require.NoError(t, err)

	require.Len(t, f.sched.rebuilds, 1)
	assert.Len(t, f.sched.rebuilds[0], 2)
}

func TestPullRemovesVanishedRecords(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		policy   MergePolicy
		wantKept bool
	}{
		{KeepDirty, true},
		{RemoteWins, false},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			f := setup(t, tc.policy)

			clean, err := f.store.Create(ctx, weekdayAlarm("clean"))
			require.NoError(t, err)
			require.NoError(t, f.coord.PushCreate(ctx, *clean))

			dirty, err := f.store.Create(ctx, weekdayAlarm("dirty"))
			require.NoError(t, err)
			require.NoError(t, f.coord.PushCreate(ctx, *dirty))

			// Both vanish remotely; the dirty one was edited offline.
			f.remote.mu.Lock()
			f.remote.alarms = map[int64]remote.Alarm{}
			f.remote.mu.Unlock()

			d, _ := f.store.Get(ctx, dirty.ID)
			d.Label = "edited offline"
			d.MarkChanged()
			d.UpdatedAt = time.Time{}
			_, err = f.store.Save(ctx, *d)
			require.NoError(t, err)

			// The retried push of the dirty record fails, so the merge
			// decides its fate.
			f.remote.setFailWrites(errors.New("503"))
			res, err := f.coord.Pull(ctx)
			require.NoError(t, err)

			got, _ := f.store.Get(ctx, clean.ID)
			assert.Nil(t, got, "clean record should be removed")

			got, _ = f.store.Get(ctx, dirty.ID)
			if tc.wantKept {
				require.NotNil(t, got)
				assert.Nil(t, got.RemoteID)
				assert.Equal(t, model.SyncLocal, got.SyncStatus)
				assert.Equal(t, 1, res.Removed)
				assert.Equal(t, 1, res.Kept)
			} else {
				assert.Nil(t, got)
				assert.Equal(t, 2, res.Removed)
			}
		})
	}
}

func TestPullRetriesTombstones(t *testing.T) {
	f := setup(t, KeepDirty)
	ctx := context.Background()

	a, err := f.store.Create(ctx, weekdayAlarm("doomed"))
	require.NoError(t, err)
	require.NoError(t, f.coord.PushCreate(ctx, *a))
	got, _ := f.store.Get(ctx, a.ID)
	rid := *got.RemoteID

	ts, err := f.store.Delete(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, ts)

	f.remote.setFail(errors.New("offline"))
	require.Error(t, f.coord.PushDelete(ctx, *ts))
	f.remote.setFail(nil)

	_, err = f.coord.Pull(ctx)
	require.NoError(t, err)

	assert.Contains(t, f.remote.deletes, rid)
	tombs, err := f.store.ListTombstones(ctx)
	require.NoError(t, err)
	assert.Empty(t, tombs)

	all, _ := f.store.List(ctx)
	assert.Empty(t, all, "tombstoned record must not be re-inserted")
}

func TestNoSessionIsNoop(t *testing.T) {
	f := setup(t, KeepDirty)
	ctx := context.Background()
	f.remote.session = false

	a, err := f.store.Create(ctx, weekdayAlarm("offline"))
	require.NoError(t, err)
	assert.NoError(t, f.coord.PushCreate(ctx, *a))
	assert.NoError(t, f.coord.PushToggle(ctx, *a))

	res, err := f.coord.Pull(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, f.remote.creates)
	assert.Empty(t, f.sched.rebuilds)

	got, _ := f.store.Get(ctx, a.ID)
	assert.Equal(t, model.SyncLocal, got.SyncStatus)
}

func TestPullTimeout(t *testing.T) {
	f := setup(t, KeepDirty)
	f.remote.delay = time.Second
	f.coord.pullTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := f.coord.Pull(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPushToggle(t *testing.T) {
	f := setup(t, KeepDirty)
	ctx := context.Background()

	a, err := f.store.Create(ctx, weekdayAlarm("t"))
	require.NoError(t, err)
	require.NoError(t, f.coord.PushCreate(ctx, *a))

	got, _ := f.store.Get(ctx, a.ID)
	got.Enabled = false
	got.MarkChanged()
	got.UpdatedAt = time.Time{}
	got, err = f.store.Save(ctx, *got)
	require.NoError(t, err)
	assert.Equal(t, model.SyncDirty, got.SyncStatus)

	require.NoError(t, f.coord.PushToggle(ctx, *got))
	assert.False(t, f.remote.alarms[*got.RemoteID].Enabled)

	got, _ = f.store.Get(ctx, a.ID)
	assert.Equal(t, model.SyncSynced, got.SyncStatus)
}
