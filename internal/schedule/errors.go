package schedule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukerupert/rouse/internal/channel"
)

// ErrAlarmDisabled is returned by Schedule for an alarm with enabled=false.
// Its registrations are cancelled before the error is returned.
var ErrAlarmDisabled = errors.New("alarm is disabled")

// ChannelFailure is one refused registration.
type ChannelFailure struct {
	Source  channel.Source
	Trigger channel.Trigger
	Err     error
}

// SchedulingError collects the registrations a channel refused. Partial
// failure is tolerated; Fatal reports whether some occurrence ended up with
// no channel at all, meaning the alarm would not ring.
type SchedulingError struct {
	AlarmID  string
	Failures []ChannelFailure
	fatal    bool
}

func (e *SchedulingError) Error() string {
	var b strings.Builder
	if e.fatal {
		fmt.Fprintf(&b, "alarm %s: no delivery channel accepted the registration", e.AlarmID)
	} else {
		fmt.Fprintf(&b, "alarm %s: partially scheduled", e.AlarmID)
	}
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s %s: %v", f.Source, f.Trigger, f.Err)
	}
	return b.String()
}

// Unwrap exposes the per-channel causes to errors.Is and errors.As.
func (e *SchedulingError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Fatal is true when both channels refused at least one occurrence.
func (e *SchedulingError) Fatal() bool {
	return e.fatal
}

// IsFatal reports whether err carries a fatal SchedulingError.
func IsFatal(err error) bool {
	var se *SchedulingError
	return errors.As(err, &se) && se.Fatal()
}
