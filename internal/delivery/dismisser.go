package delivery

import (
	"context"
	"fmt"

	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/remote"
)

type AlarmGetter interface {
	Get(ctx context.Context, id string) (*model.Alarm, error)
}

type DismissAPI interface {
	HasSession() bool
	DismissAlarm(ctx context.Context, id int64, in remote.DismissRequest) error
}

// RemoteDismisser reports dismissals to the remote service under the alarm's
// remote id. Alarms that were never synced, or a missing session, make it a
// no-op.
type RemoteDismisser struct {
	Alarms AlarmGetter
	API    DismissAPI
}

func (d RemoteDismisser) Dismiss(ctx context.Context, alarmID, dismissType string, snoozeCount int) error {
	if d.API == nil || !d.API.HasSession() {
		return nil
	}
	a, err := d.Alarms.Get(ctx, alarmID)
	if err != nil {
		return fmt.Errorf("look up alarm %s: %w", alarmID, err)
	}
	if a == nil || a.RemoteID == nil {
		return nil
	}
	return d.API.DismissAlarm(ctx, *a.RemoteID, remote.DismissRequest{
		DismissType: dismissType,
		SnoozeCount: snoozeCount,
	})
}
