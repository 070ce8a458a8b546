// Package channel holds the value types shared by the two delivery channels:
// the coarse system wake alarm and the scheduled local notification.
package channel

import (
	"fmt"
	"time"
)

// Source names the delivery channel an event came from.
type Source string

const (
	SourceSystem       Source = "system"       // Channel A
	SourceNotification Source = "notification" // Channel B
)

// Interruption is the notification priority requested from the host.
type Interruption string

const (
	InterruptionActive        Interruption = "active"
	InterruptionTimeSensitive Interruption = "time_sensitive"
)

// Trigger describes when a registration fires. Repeating triggers fire every
// week on Weekday at the given wall-clock time; one-shot triggers fire once
// at At.
type Trigger struct {
	Weekday time.Weekday `json:"weekday"`
	Hour    int          `json:"hour"`
	Minute  int          `json:"minute"`
	Second  int          `json:"second"`
	Repeats bool         `json:"repeats"`
	At      time.Time    `json:"at"`
}

func (t Trigger) String() string {
	if t.Repeats {
		return fmt.Sprintf("weekly %s %02d:%02d:%02d", t.Weekday, t.Hour, t.Minute, t.Second)
	}
	return "once " + t.At.Format(time.RFC3339)
}

// Presentation is the minimal metadata the system alarm service accepts.
// It cannot carry a custom sound.
type Presentation struct {
	Title   string `json:"title"`
	AlarmID string `json:"alarm_id"`
}

// Payload travels with a scheduled notification and comes back with its
// delivery, so the sound can be started without a store lookup.
type Payload struct {
	AlarmID      string       `json:"alarm_id"`
	Title        string       `json:"title"`
	Body         string       `json:"body"`
	SoundFile    string       `json:"sound_file,omitempty"`
	SoundExt     string       `json:"sound_ext,omitempty"`
	Interruption Interruption `json:"interruption"`
}

// Delivery is emitted by a channel when a registration fires or the user
// taps its surface. Payload is nil for system alarm deliveries.
type Delivery struct {
	Source         Source    `json:"source"`
	AlarmID        string    `json:"alarm_id"`
	RegistrationID string    `json:"registration_id"`
	Payload        *Payload  `json:"payload,omitempty"`
	Tapped         bool      `json:"tapped"`
	FiredAt        time.Time `json:"fired_at"`
}
