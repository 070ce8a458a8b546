package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Days is a set of weekdays. Bit n is set when time.Weekday(n) is selected.
// The empty set means a one-shot alarm.
type Days uint8

const allDays Days = 1<<7 - 1

var dayNames = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

var dayAbbrev = map[time.Weekday]string{
	time.Sunday:    "SU",
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
}

// DaysOf builds a set from individual weekdays.
func DaysOf(days ...time.Weekday) Days {
	var d Days
	for _, wd := range days {
		d |= 1 << uint(wd)
	}
	return d & allDays
}

// Has reports whether wd is in the set.
func (d Days) Has(wd time.Weekday) bool {
	return d&(1<<uint(wd)) != 0
}

// Empty reports whether no weekday is selected.
func (d Days) Empty() bool {
	return d&allDays == 0
}

// Len returns the number of selected weekdays.
func (d Days) Len() int {
	n := 0
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if d.Has(wd) {
			n++
		}
	}
	return n
}

// Weekdays returns the selected weekdays in Sunday-first order.
func (d Days) Weekdays() []time.Weekday {
	var out []time.Weekday
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if d.Has(wd) {
			out = append(out, wd)
		}
	}
	return out
}

// String renders the set as a BYDAY list like "MO,WE,FR".
func (d Days) String() string {
	var parts []string
	for _, wd := range d.Weekdays() {
		parts = append(parts, dayAbbrev[wd])
	}
	return strings.Join(parts, ",")
}

// ParseDays parses a BYDAY list like "MO,WE,FR". An empty string is the empty set.
func ParseDays(s string) (Days, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var d Days
	for _, part := range strings.Split(s, ",") {
		wd, ok := dayNames[strings.ToUpper(strings.TrimSpace(part))]
		if !ok {
			return 0, fmt.Errorf("unknown day: %q", part)
		}
		d |= 1 << uint(wd)
	}
	return d, nil
}

// Rule serializes the set as an RRULE string, the format the remote API
// stores repeat patterns in. One-shot alarms have no rule.
func (d Days) Rule() string {
	if d.Empty() {
		return ""
	}
	return "FREQ=WEEKLY;BYDAY=" + d.String()
}

// ParseRule parses a weekly RRULE like "FREQ=WEEKLY;BYDAY=MO,WE". An empty
// rule is a one-shot. FREQ=DAILY selects every weekday. Other frequencies and
// keys are rejected since alarms only support weekly repeats.
func ParseRule(rule string) (Days, error) {
	if strings.TrimSpace(rule) == "" {
		return 0, nil
	}

	var (
		freq  string
		days  Days
		byDay bool
	)
	for _, part := range strings.Split(rule, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return 0, fmt.Errorf("invalid rule part: %q", part)
		}
		key, val := kv[0], kv[1]

		switch key {
		case "FREQ":
			if val != "WEEKLY" && val != "DAILY" {
				return 0, fmt.Errorf("unsupported frequency: %q", val)
			}
			freq = val
		case "BYDAY":
			d, err := ParseDays(val)
			if err != nil {
				return 0, err
			}
			days = d
			byDay = true
		case "INTERVAL":
			if val != "1" {
				return 0, fmt.Errorf("unsupported interval: %q", val)
			}
		default:
			return 0, fmt.Errorf("unsupported rule key: %q", key)
		}
	}

	switch freq {
	case "":
		return 0, fmt.Errorf("FREQ is required")
	case "DAILY":
		return allDays, nil
	}
	if !byDay || days.Empty() {
		return 0, fmt.Errorf("weekly rule needs BYDAY")
	}
	return days, nil
}

// Describe returns a human-readable description of the repeat pattern.
func (d Days) Describe() string {
	switch {
	case d.Empty():
		return "Once"
	case d == allDays:
		return "Every day"
	case d == DaysOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday):
		return "Weekdays"
	case d == DaysOf(time.Saturday, time.Sunday):
		return "Weekends"
	}
	var names []string
	for _, wd := range d.Weekdays() {
		names = append(names, wd.String()[:3])
	}
	return "Every " + strings.Join(names, ", ")
}

func (d Days) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Days) UnmarshalText(b []byte) error {
	parsed, err := ParseDays(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
