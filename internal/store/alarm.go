package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
	"github.com/google/uuid"
)

// ErrStaleWrite is returned by Save when the stored record carries a newer
// UpdatedAt than the write. Alarm writes are last-writer-wins by UpdatedAt.
var ErrStaleWrite = errors.New("stale alarm write")

// Tombstone remembers a synced alarm that was deleted locally until the
// remote delete is confirmed.
type Tombstone struct {
	RemoteID  int64
	AlarmID   string
	DeletedAt time.Time
}

// AlarmStore is the single writer of alarm records. Writes are serialized
// so a sync merge and a UI toggle can never interleave a read-modify-write.
type AlarmStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func NewAlarmStore(db *sql.DB) *AlarmStore {
	return &AlarmStore{db: db, now: time.Now}
}

// WithClock replaces the time source used to stamp writes.
func (s *AlarmStore) WithClock(now func() time.Time) *AlarmStore {
	s.now = now
	return s
}

const alarmCols = `id, remote_id, fire_time, repeat_days, enabled, label, mission_type,
	distance_meters, question_count, difficulty, sound_name, sound_ext, volume,
	sync_status, created_at, updated_at`

func scanAlarm(scanner interface{ Scan(...any) error }) (*model.Alarm, error) {
	var (
		a        model.Alarm
		remoteID sql.NullInt64
		fireTime string
		days     int
		enabled  int
	)
	err := scanner.Scan(
		&a.ID, &remoteID, &fireTime, &days, &enabled, &a.Label, &a.Mission,
		&a.MissionParams.DistanceMeters, &a.MissionParams.QuestionCount, &a.MissionParams.Difficulty,
		&a.Sound.Name, &a.Sound.Ext, &a.Sound.Volume,
		&a.SyncStatus, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tod, err := recurrence.ParseTimeOfDay(fireTime)
	if err != nil {
		return nil, fmt.Errorf("alarm %s: %w", a.ID, err)
	}
	a.Time = tod
	a.RepeatDays = recurrence.Days(days)
	a.Enabled = enabled != 0
	if remoteID.Valid {
		a.RemoteID = &remoteID.Int64
	}
	return &a, nil
}

func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func nullRemoteID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Create inserts a new alarm. A permanent local id is generated when a.ID is
// empty; ids are never reused.
func (s *AlarmStore) Create(ctx context.Context, a model.Alarm) (*model.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.SyncStatus == "" {
		a.SyncStatus = model.SyncLocal
	}
	now := stamp(s.now())
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	if err := s.insert(ctx, s.db, a); err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, a.ID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *AlarmStore) insert(ctx context.Context, db execer, a model.Alarm) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO alarms (`+alarmCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullRemoteID(a.RemoteID), a.Time.String(), int(a.RepeatDays), boolInt(a.Enabled), a.Label, a.Mission,
		a.MissionParams.DistanceMeters, a.MissionParams.QuestionCount, a.MissionParams.Difficulty,
		a.Sound.Name, a.Sound.Ext, a.Sound.Volume,
		a.SyncStatus, stamp(a.CreatedAt), stamp(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alarm: %w", err)
	}
	return nil
}

func (s *AlarmStore) get(ctx context.Context, db execer, id string) (*model.Alarm, error) {
	row := db.QueryRowContext(ctx, `SELECT `+alarmCols+` FROM alarms WHERE id = ?`, id)
	a, err := scanAlarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alarm: %w", err)
	}
	return a, nil
}

// Get returns the alarm with the given local id, or nil if none exists.
func (s *AlarmStore) Get(ctx context.Context, id string) (*model.Alarm, error) {
	return s.get(ctx, s.db, id)
}

// GetByRemoteID returns the alarm mapped to a remote id, or nil.
func (s *AlarmStore) GetByRemoteID(ctx context.Context, remoteID int64) (*model.Alarm, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alarmCols+` FROM alarms WHERE remote_id = ?`, remoteID)
	a, err := scanAlarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alarm by remote id: %w", err)
	}
	return a, nil
}

func (s *AlarmStore) list(ctx context.Context, where string, args ...any) ([]model.Alarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alarmCols+` FROM alarms `+where+` ORDER BY fire_time ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	defer rows.Close()

	var alarms []model.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		alarms = append(alarms, *a)
	}
	return alarms, rows.Err()
}

func (s *AlarmStore) List(ctx context.Context) ([]model.Alarm, error) {
	return s.list(ctx, "")
}

func (s *AlarmStore) ListEnabled(ctx context.Context) ([]model.Alarm, error) {
	return s.list(ctx, "WHERE enabled = 1")
}

// ListUnsynced returns local-only and dirty alarms.
func (s *AlarmStore) ListUnsynced(ctx context.Context) ([]model.Alarm, error) {
	return s.list(ctx, "WHERE sync_status != ?", model.SyncSynced)
}

// Save writes a full alarm record, inserting it when the id is unknown.
// The write is rejected with ErrStaleWrite when the stored copy has a newer
// UpdatedAt; equal timestamps are accepted so bookkeeping updates that keep
// the caller's UpdatedAt go through. A zero UpdatedAt is stamped with now.
func (s *AlarmStore) Save(ctx context.Context, a model.Alarm) (*model.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = s.now()
	}
	a.UpdatedAt = stamp(a.UpdatedAt)
	if a.SyncStatus == "" {
		a.SyncStatus = model.SyncLocal
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, a.ID)
	if err != nil {
		return nil, err
	}

	if current == nil {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = a.UpdatedAt
		}
		if err := s.insert(ctx, tx, a); err != nil {
			return nil, err
		}
	} else {
		if current.UpdatedAt.After(a.UpdatedAt) {
			return nil, fmt.Errorf("save alarm %s: %w", a.ID, ErrStaleWrite)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE alarms SET remote_id = ?, fire_time = ?, repeat_days = ?, enabled = ?, label = ?,
				mission_type = ?, distance_meters = ?, question_count = ?, difficulty = ?,
				sound_name = ?, sound_ext = ?, volume = ?, sync_status = ?, updated_at = ?
			 WHERE id = ?`,
			nullRemoteID(a.RemoteID), a.Time.String(), int(a.RepeatDays), boolInt(a.Enabled), a.Label,
			a.Mission, a.MissionParams.DistanceMeters, a.MissionParams.QuestionCount, a.MissionParams.Difficulty,
			a.Sound.Name, a.Sound.Ext, a.Sound.Volume, a.SyncStatus, a.UpdatedAt,
			a.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("update alarm: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit alarm: %w", err)
	}
	return s.get(ctx, s.db, a.ID)
}

// Delete removes an alarm. When the alarm was synced a tombstone is written
// in the same transaction so the remote delete can be retried later.
// Deleting a missing alarm is not an error.
func (s *AlarmStore) Delete(ctx context.Context, id string) (*Tombstone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete alarm: %w", err)
	}

	var ts *Tombstone
	if current.RemoteID != nil {
		ts = &Tombstone{RemoteID: *current.RemoteID, AlarmID: id, DeletedAt: stamp(s.now())}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO alarm_tombstones (remote_id, alarm_id, deleted_at) VALUES (?, ?, ?)`,
			ts.RemoteID, ts.AlarmID, ts.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert tombstone: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return ts, nil
}

// Purge removes an alarm without leaving a tombstone. Used when the remote
// side already dropped the record.
func (s *AlarmStore) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("purge alarm: %w", err)
	}
	return nil
}

func (s *AlarmStore) ListTombstones(ctx context.Context) ([]Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT remote_id, alarm_id, deleted_at FROM alarm_tombstones ORDER BY deleted_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var t Tombstone
		if err := rows.Scan(&t.RemoteID, &t.AlarmID, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *AlarmStore) ClearTombstone(ctx context.Context, remoteID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alarm_tombstones WHERE remote_id = ?`, remoteID); err != nil {
		return fmt.Errorf("clear tombstone: %w", err)
	}
	return nil
}
