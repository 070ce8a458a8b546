package recurrence

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock fire time. Second is optional precision and is
// zero for most alarms.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day: %q", s)
}

// Valid reports whether the fields form a real wall-clock time.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60 && t.Second >= 0 && t.Second < 60
}

// String renders "HH:MM" or "HH:MM:SS" when seconds are set.
func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// on returns the instant for this time of day on the calendar date of day.
func (t TimeOfDay) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, day.Location())
}

// NextOnce returns the next occurrence of tod strictly after now, rolling to
// tomorrow when today's time has already passed.
func NextOnce(tod TimeOfDay, now time.Time) time.Time {
	candidate := tod.on(now)
	if !candidate.After(now) {
		candidate = tod.on(now.AddDate(0, 0, 1))
	}
	return candidate
}

// NextOn returns the next occurrence of tod on weekday wd strictly after now.
func NextOn(tod TimeOfDay, wd time.Weekday, now time.Time) time.Time {
	offset := (int(wd) - int(now.Weekday()) + 7) % 7
	candidate := tod.on(now.AddDate(0, 0, offset))
	if !candidate.After(now) {
		candidate = tod.on(now.AddDate(0, 0, offset+7))
	}
	return candidate
}

// Next returns the earliest occurrence strictly after now for the repeat set.
// An empty set behaves like NextOnce.
func Next(tod TimeOfDay, days Days, now time.Time) time.Time {
	if days.Empty() {
		return NextOnce(tod, now)
	}
	var best time.Time
	for _, wd := range days.Weekdays() {
		c := NextOn(tod, wd, now)
		if best.IsZero() || c.Before(best) {
			best = c
		}
	}
	return best
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
