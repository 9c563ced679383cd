package notifier

import (
	"context"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/homegraph"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/store"
)

/*
 *   Pushes report-state notifications to the platform whenever a
 *   device state write lands in the store.  The write is durable
 *   before we run; a failed push is logged and never unwinds it.
 */

// Notifier observes state writes and reports them upstream
type Notifier struct {
	db *store.DB
	hg homegraph.HomeGraph
}

func New(db *store.DB, hg homegraph.HomeGraph) *Notifier {
	return &Notifier{db: db, hg: hg}
}

// Register attaches the notifier to the store's write hook.  Each
// write is reported on its own goroutine so the writer never waits on
// the platform.
func (n *Notifier) Register() {
	n.db.OnStateWrite(func(ev store.StateWriteEvent) {
		go n.HandleWrite(ev)
	})
}

// HandleWrite shapes one state write into the public payload and
// pushes it to the platform's report-state endpoint
func (n *Notifier) HandleWrite(ev store.StateWriteEvent) {
	ctx := context.Background()
	ctxLogger := logging.Logger(ctx)

	user, err := n.db.User(ctx, ev.UserID)
	if err != nil {
		ctxLogger.WithError(err).Errorf("report-state: resolving owner of %s", ev.UserDeviceID)
		return
	}

	device, err := n.db.Device(ctx, ev.DeviceID)
	if err != nil {
		ctxLogger.WithError(err).Errorf("report-state: resolving descriptor of %s", ev.UserDeviceID)
		return
	}

	states := devices.ReportedState(device.Type, ev.State)

	ctxLogger.Infof("Report state for %s (agent %s)", ev.UserDeviceID, user.AgentID)

	if err := n.hg.ReportState(user.AgentID, ev.UserDeviceID, states); err != nil {
		ctxLogger.WithError(err).Errorf("report-state: pushing state of %s", ev.UserDeviceID)
	}
}
