package simulator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
)

/*
 *   A virtual device on the LAN.  It applies relayed commands through
 *   the same command processor the cloud path uses, logs its status,
 *   and re-publishes its full state to the cloud store so both views
 *   stay convergent.
 */

// Device simulates one physical device
type Device struct {
	typ       devices.Type
	localID   string
	dbID      string
	updateURL string
	client    *http.Client

	mu    sync.Mutex
	state devices.State
}

// New builds a virtual device with its type's default state and
// reports that state to the cloud once up front
func New(typ devices.Type, localID string, dbID string, updateURL string) *Device {
	d := &Device{
		typ:       typ,
		localID:   localID,
		dbID:      dbID,
		updateURL: updateURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		state:     devices.DefaultState(typ),
	}

	go d.reportState(d.snapshot())

	return d
}

// Type returns the device's type
func (d *Device) Type() devices.Type {
	return d.typ
}

// LocalID is the identifier answered to discovery probes
func (d *Device) LocalID() string {
	return d.localID
}

// State returns a copy of the current state
func (d *Device) State() devices.State {
	return d.snapshot()
}

// ApplyUpdate merges a relayed update into the device state.  The body
// is either an EXECUTE-shaped command ({command, params}) resolved
// through the command processor, or an already-resolved partial state
// with the local relative-speed and reverse markers handled here.
func (d *Device) ApplyUpdate(body devices.State) error {
	d.mu.Lock()

	partial, err := d.resolvePartial(body)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	d.state = d.state.Merge(partial)
	snapshot := d.state.Merge(nil)
	d.mu.Unlock()

	d.print(snapshot)
	go d.reportState(snapshot)

	return nil
}

// caller holds d.mu
func (d *Device) resolvePartial(body devices.State) (devices.State, error) {
	if command, ok := body["command"].(string); ok {
		params, _ := body["params"].(map[string]interface{})
		partial, err := devices.Apply(d.typ, command, devices.Params(params), d.state)
		if err != nil {
			return nil, errors.Wrapf(err, "applying relayed command to %s", d.dbID)
		}
		return partial, nil
	}

	if d.typ != devices.TypeFan {
		return body, nil
	}

	// Local relays hand fans relative-speed and reverse markers that
	// must be resolved against the current state
	if weight, ok := numeric(body["speedRelativeWeight"]); ok {
		return devices.State{
			"speedPercent": devices.Clamp(d.state.Int("speedPercent")+weight*10, 0, 100),
		}, nil
	}
	if percent, ok := numeric(body["speedRelativePercent"]); ok {
		return devices.State{
			"speedPercent": devices.Clamp(d.state.Int("speedPercent")+percent, 0, 100),
		}, nil
	}
	if reverse, ok := body["isReverse"].(bool); ok && reverse {
		return devices.State{"isReverse": !d.state.Bool("isReverse")}, nil
	}

	return body, nil
}

func (d *Device) print(state devices.State) {
	logger := logging.Logger(nil)

	if !state.Bool("isOn") {
		logger.Infof("***** %s is OFF *****", d.dbID)
		return
	}

	runState := "STOPPED"
	switch {
	case d.typ == devices.TypeWasher && state.Bool("isPaused"):
		runState = "PAUSED"
	case state.Bool("isRunning"):
		runState = "RUNNING"
	}

	logger.Infof("***** %s is %s ***** %+v", d.dbID, runState, state)
}

// reportState publishes the full state to the cloud update-state
// endpoint; failures are logged, the device does not retry
func (d *Device) reportState(state devices.State) {
	logger := logging.Logger(nil)

	body := map[string]interface{}{
		"userDeviceId": d.dbID,
		"type":         string(d.typ),
	}
	for k, v := range state {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		logger.WithError(err).Errorf("%s: encoding report state", d.dbID)
		return
	}

	resp, err := d.client.Post(d.updateURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		logger.WithError(err).Errorf("%s: Report State error", d.dbID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Errorf("%s: Report State error: HTTP status %d", d.dbID, resp.StatusCode)
		return
	}

	logger.Infof("%s: Report State successful", d.dbID)
}

func (d *Device) snapshot() devices.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Merge(nil)
}

func numeric(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}

	return 0, false
}
