package recurrence

import (
	"testing"
	"time"
)

func TestParseDays(t *testing.T) {
	tests := []struct {
		input string
		want  Days
	}{
		{"", 0},
		{"MO", DaysOf(time.Monday)},
		{"MO,WE,FR", DaysOf(time.Monday, time.Wednesday, time.Friday)},
		{"su, sa", DaysOf(time.Sunday, time.Saturday)},
	}

	for _, tt := range tests {
		got, err := ParseDays(tt.input)
		if err != nil {
			t.Errorf("ParseDays(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDays(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseDaysInvalid(t *testing.T) {
	if _, err := ParseDays("MO,XX"); err == nil {
		t.Error("expected error for unknown day")
	}
}

func TestDaysString(t *testing.T) {
	d := DaysOf(time.Friday, time.Monday, time.Wednesday)
	if got := d.String(); got != "MO,WE,FR" {
		t.Errorf("String() = %q, want %q", got, "MO,WE,FR")
	}
	if d.Len() != 3 {
		t.Errorf("Len() = %d, want 3", d.Len())
	}
}

func TestRuleRoundTrip(t *testing.T) {
	d := DaysOf(time.Tuesday, time.Thursday)
	rule := d.Rule()
	if rule != "FREQ=WEEKLY;BYDAY=TU,TH" {
		t.Fatalf("Rule() = %q", rule)
	}
	got, err := ParseRule(rule)
	if err != nil {
		t.Fatalf("ParseRule error: %v", err)
	}
	if got != d {
		t.Errorf("ParseRule(%q) = %v, want %v", rule, got, d)
	}
}

func TestParseRuleDaily(t *testing.T) {
	got, err := ParseRule("FREQ=DAILY")
	if err != nil {
		t.Fatalf("ParseRule error: %v", err)
	}
	if got.Len() != 7 {
		t.Errorf("daily rule selected %d days, want 7", got.Len())
	}
}

func TestParseRuleErrors(t *testing.T) {
	bad := []string{
		"BYDAY=MO",
		"FREQ=MONTHLY",
		"FREQ=WEEKLY",
		"FREQ=WEEKLY;INTERVAL=2;BYDAY=MO",
		"FREQ=WEEKLY;COUNT=3;BYDAY=MO",
		"garbage",
	}
	for _, rule := range bad {
		if _, err := ParseRule(rule); err == nil {
			t.Errorf("ParseRule(%q) expected error", rule)
		}
	}
}

func TestEmptyRuleIsOneShot(t *testing.T) {
	d, err := ParseRule("")
	if err != nil {
		t.Fatalf("ParseRule error: %v", err)
	}
	if !d.Empty() {
		t.Error("expected empty set for empty rule")
	}
	if DaysOf().Rule() != "" {
		t.Error("expected no rule for empty set")
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("07:30")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tod != (TimeOfDay{Hour: 7, Minute: 30}) {
		t.Errorf("got %+v", tod)
	}
	tod, err = ParseTimeOfDay("23:59:15")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tod.String() != "23:59:15" {
		t.Errorf("String() = %q", tod.String())
	}
	if _, err := ParseTimeOfDay("25:00"); err == nil {
		t.Error("expected error for hour 25")
	}
}

func TestNextOnceLaterToday(t *testing.T) {
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	got := NextOnce(TimeOfDay{Hour: 7}, now)
	want := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextOnce = %v, want %v", got, want)
	}
}

func TestNextOnceRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	got := NextOnce(TimeOfDay{Hour: 7}, now)
	want := time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextOnce at exact time = %v, want %v", got, want)
	}
}

func TestNextOnWeekday(t *testing.T) {
	// 2026-03-02 is a Monday.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		wd   time.Weekday
		want time.Time
	}{
		{time.Monday, time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC)},
		{time.Wednesday, time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC)},
		{time.Sunday, time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got := NextOn(TimeOfDay{Hour: 7}, tt.wd, now)
		if !got.Equal(tt.want) {
			t.Errorf("NextOn(%v) = %v, want %v", tt.wd, got, tt.want)
		}
	}
}

func TestNextPicksEarliestDay(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // Monday
	days := DaysOf(time.Monday, time.Wednesday, time.Friday)
	got := Next(TimeOfDay{Hour: 7}, days, now)
	want := time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		days Days
		want string
	}{
		{0, "Once"},
		{DaysOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday), "Weekdays"},
		{DaysOf(time.Saturday, time.Sunday), "Weekends"},
		{DaysOf(time.Monday, time.Friday), "Every Mon, Fri"},
	}
	for _, tt := range tests {
		if got := tt.days.Describe(); got != tt.want {
			t.Errorf("Describe(%v) = %q, want %q", tt.days, got, tt.want)
		}
	}
}
