package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/rouse/internal/recurrence"
)

type MissionType string

const (
	MissionNone       MissionType = "none"
	MissionArithmetic MissionType = "arithmetic"
	MissionTyping     MissionType = "typing"
	MissionQuiz       MissionType = "quiz"
	MissionDistance   MissionType = "distance"
)

// Valid reports whether m is one of the known mission types.
func (m MissionType) Valid() bool {
	switch m {
	case MissionNone, MissionArithmetic, MissionTyping, MissionQuiz, MissionDistance:
		return true
	}
	return false
}

// SyncStatus tracks how a local record relates to the remote service.
type SyncStatus string

const (
	SyncLocal  SyncStatus = "local"  // never pushed
	SyncDirty  SyncStatus = "dirty"  // changed since the last confirmed push
	SyncSynced SyncStatus = "synced" // remote matches local
)

// MissionParams are the type-specific targets of a mission.
type MissionParams struct {
	DistanceMeters float64 `json:"distance_meters,omitempty"`
	QuestionCount  int     `json:"question_count,omitempty"`
	Difficulty     string  `json:"difficulty,omitempty"`
}

// Sound references a sound file by base name and extension.
type Sound struct {
	Name   string  `json:"name"`
	Ext    string  `json:"ext"`
	Volume float64 `json:"volume"`
}

type Alarm struct {
	ID            string               `json:"id"`
	RemoteID      *int64               `json:"remote_id,omitempty"`
	Time          recurrence.TimeOfDay `json:"time"`
	RepeatDays    recurrence.Days      `json:"repeat_days"`
	Enabled       bool                 `json:"enabled"`
	Label         string               `json:"label"`
	Mission       MissionType          `json:"mission"`
	MissionParams MissionParams        `json:"mission_params"`
	Sound         Sound                `json:"sound"`
	SyncStatus    SyncStatus           `json:"sync_status"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Repeats reports whether the alarm fires on a weekly pattern.
func (a Alarm) Repeats() bool {
	return !a.RepeatDays.Empty()
}

// DisplayLabel returns the label, or a generic title when none is set.
func (a Alarm) DisplayLabel() string {
	if l := strings.TrimSpace(a.Label); l != "" {
		return l
	}
	return "Alarm"
}

// Validate checks the fields a user can set.
func (a Alarm) Validate() error {
	var errs []error
	if !a.Time.Valid() {
		errs = append(errs, fmt.Errorf("invalid time %s", a.Time))
	}
	if !a.Mission.Valid() {
		errs = append(errs, fmt.Errorf("unknown mission type %q", a.Mission))
	}
	if a.Mission == MissionDistance && a.MissionParams.DistanceMeters < 0 {
		errs = append(errs, errors.New("distance goal must not be negative"))
	}
	if a.Sound.Volume < 0 || a.Sound.Volume > 1 {
		errs = append(errs, fmt.Errorf("volume %.2f out of range [0,1]", a.Sound.Volume))
	}
	return errors.Join(errs...)
}

// ScheduleChanged reports whether b differs from a in any field that affects
// the OS channel registrations.
func (a Alarm) ScheduleChanged(b Alarm) bool {
	return a.Time != b.Time ||
		a.RepeatDays != b.RepeatDays ||
		a.Enabled != b.Enabled ||
		a.Label != b.Label ||
		a.Sound.Name != b.Sound.Name ||
		a.Sound.Ext != b.Sound.Ext
}

// SameContent reports whether two alarms carry identical user content,
// ignoring identity, sync bookkeeping and timestamps.
func (a Alarm) SameContent(b Alarm) bool {
	return a.Time == b.Time &&
		a.RepeatDays == b.RepeatDays &&
		a.Enabled == b.Enabled &&
		a.Label == b.Label &&
		a.Mission == b.Mission &&
		a.MissionParams == b.MissionParams &&
		a.Sound == b.Sound
}

// CopyContent overwrites the user content of a with b's, keeping a's identity.
func (a *Alarm) CopyContent(b Alarm) {
	a.Time = b.Time
	a.RepeatDays = b.RepeatDays
	a.Enabled = b.Enabled
	a.Label = b.Label
	a.Mission = b.Mission
	a.MissionParams = b.MissionParams
	a.Sound = b.Sound
}

// MarkChanged moves a record to dirty after a local edit. Never-synced
// records stay local-only.
func (a *Alarm) MarkChanged() {
	if a.SyncStatus == SyncSynced {
		a.SyncStatus = SyncDirty
	}
	if a.SyncStatus == "" {
		a.SyncStatus = SyncLocal
	}
}
