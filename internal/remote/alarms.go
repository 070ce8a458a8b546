package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
)

// Alarm is the remote representation of an alarm.
type Alarm struct {
	ID             int64     `json:"id"`
	Time           string    `json:"time"` // "07:00:00"
	RepeatRule     string    `json:"repeat_rule"`
	Enabled        bool      `json:"enabled"`
	Label          string    `json:"label"`
	MissionType    string    `json:"mission_type"`
	DistanceMeters float64   `json:"distance_meters,omitempty"`
	QuestionCount  int       `json:"question_count,omitempty"`
	Difficulty     string    `json:"difficulty,omitempty"`
	SoundName      string    `json:"sound_name"`
	SoundExt       string    `json:"sound_ext"`
	Volume         float64   `json:"volume"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AlarmInput is the body of create and update calls.
type AlarmInput struct {
	Time           string  `json:"time"`
	RepeatRule     string  `json:"repeat_rule"`
	Enabled        bool    `json:"enabled"`
	Label          string  `json:"label"`
	MissionType    string  `json:"mission_type"`
	DistanceMeters float64 `json:"distance_meters,omitempty"`
	QuestionCount  int     `json:"question_count,omitempty"`
	Difficulty     string  `json:"difficulty,omitempty"`
	SoundName      string  `json:"sound_name"`
	SoundExt       string  `json:"sound_ext"`
	Volume         float64 `json:"volume"`
}

func wireTime(t recurrence.TimeOfDay) string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// InputFrom converts a local alarm to a request body.
func InputFrom(a model.Alarm) AlarmInput {
	return AlarmInput{
		Time:           wireTime(a.Time),
		RepeatRule:     a.RepeatDays.Rule(),
		Enabled:        a.Enabled,
		Label:          a.Label,
		MissionType:    string(a.Mission),
		DistanceMeters: a.MissionParams.DistanceMeters,
		QuestionCount:  a.MissionParams.QuestionCount,
		Difficulty:     a.MissionParams.Difficulty,
		SoundName:      a.Sound.Name,
		SoundExt:       a.Sound.Ext,
		Volume:         a.Sound.Volume,
	}
}

// Model converts a remote alarm into local content. Identity and sync
// bookkeeping are left to the caller, except RemoteID.
func (r Alarm) Model() (model.Alarm, error) {
	tod, err := recurrence.ParseTimeOfDay(r.Time)
	if err != nil {
		return model.Alarm{}, fmt.Errorf("remote alarm %d: %w", r.ID, err)
	}
	days, err := recurrence.ParseRule(r.RepeatRule)
	if err != nil {
		return model.Alarm{}, fmt.Errorf("remote alarm %d: %w", r.ID, err)
	}
	mission := model.MissionType(r.MissionType)
	if mission == "" {
		mission = model.MissionNone
	}
	id := r.ID
	return model.Alarm{
		RemoteID:   &id,
		Time:       tod,
		RepeatDays: days,
		Enabled:    r.Enabled,
		Label:      r.Label,
		Mission:    mission,
		MissionParams: model.MissionParams{
			DistanceMeters: r.DistanceMeters,
			QuestionCount:  r.QuestionCount,
			Difficulty:     r.Difficulty,
		},
		Sound:     model.Sound{Name: r.SoundName, Ext: r.SoundExt, Volume: r.Volume},
		UpdatedAt: r.UpdatedAt,
	}, nil
}

type alarmList struct {
	Alarms []Alarm `json:"alarms"`
}

func (c *Client) ListAlarms(ctx context.Context) ([]Alarm, error) {
	var out alarmList
	if err := c.do(ctx, http.MethodGet, "/api/alarms", nil, &out); err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	return out.Alarms, nil
}

func (c *Client) CreateAlarm(ctx context.Context, in AlarmInput) (Alarm, error) {
	var out Alarm
	if err := c.do(ctx, http.MethodPost, "/api/alarms", in, &out); err != nil {
		return Alarm{}, fmt.Errorf("create alarm: %w", err)
	}
	return out, nil
}

func (c *Client) UpdateAlarm(ctx context.Context, id int64, in AlarmInput) (Alarm, error) {
	var out Alarm
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/alarms/%d", id), in, &out); err != nil {
		return Alarm{}, fmt.Errorf("update alarm %d: %w", id, err)
	}
	return out, nil
}

func (c *Client) DeleteAlarm(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/alarms/%d", id), nil, nil); err != nil {
		return fmt.Errorf("delete alarm %d: %w", id, err)
	}
	return nil
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (c *Client) ToggleAlarm(ctx context.Context, id int64, enabled bool) (Alarm, error) {
	var out Alarm
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/alarms/%d/toggle", id), toggleRequest{Enabled: enabled}, &out); err != nil {
		return Alarm{}, fmt.Errorf("toggle alarm %d: %w", id, err)
	}
	return out, nil
}

// DismissRequest reports how a ringing alarm was silenced.
type DismissRequest struct {
	DismissType string `json:"dismiss_type"`
	SnoozeCount int    `json:"snooze_count"`
}

func (c *Client) DismissAlarm(ctx context.Context, id int64, in DismissRequest) error {
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/alarms/%d/dismiss", id), in, nil); err != nil {
		return fmt.Errorf("dismiss alarm %d: %w", id, err)
	}
	return nil
}
