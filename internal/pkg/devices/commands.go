package devices

import (
	"strings"

	"github.com/pkg/errors"
)

/*
 *   The command processor: a pure mapping from (device type, command,
 *   params, current state) to a partial state update.  The cloud
 *   EXECUTE path, the local bridge and the virtual devices all dispatch
 *   through this one table.
 */

const commandPrefix = "action.devices.commands."

// Command names, accepted bare or with the platform prefix
const (
	CommandOnOff               = "OnOff"
	CommandStartStop           = "StartStop"
	CommandPauseUnpause        = "PauseUnpause"
	CommandSetFanSpeed         = "SetFanSpeed"
	CommandSetFanSpeedRelative = "SetFanSpeedRelative"
	CommandReverse             = "Reverse"
	CommandSetModes            = "SetModes"
	CommandSetToggles          = "SetToggles"
)

var (
	// ErrUnsupportedCommand marks a command/device-type pairing that is
	// not in the dispatch table
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrUnsupportedCommandParams marks parameters the command cannot
	// make sense of
	ErrUnsupportedCommandParams = errors.New("unsupported command params")
)

// Params carries a command's untyped parameters as decoded from JSON
type Params map[string]interface{}

// Clamp limits x to the range [lo, hi]
func Clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Apply maps a command onto a partial state update for a device of the
// given type.  It is deterministic and has no side effects, so it runs
// identically in the cloud service and inside a virtual device.
func Apply(t Type, command string, params Params, current State) (State, error) {
	name := strings.TrimPrefix(command, commandPrefix)

	switch name {
	case CommandOnOff:
		return State{"isOn": paramBool(params, "on")}, nil

	case CommandStartStop:
		state := State{"isRunning": paramBool(params, "start")}
		if t == TypeWasher && paramBool(params, "start") {
			state["isPaused"] = false
		}
		return state, nil

	case CommandPauseUnpause:
		if t != TypeWasher {
			break
		}
		state := State{"isPaused": paramBool(params, "pause")}
		if paramBool(params, "pause") {
			state["isRunning"] = false
		}
		return state, nil

	case CommandSetFanSpeed:
		if t != TypeFan {
			break
		}
		if setting, ok := params["fanSpeed"].(string); ok {
			return State{"speedSetting": setting}, nil
		}
		if percent, ok := paramInt(params, "fanSpeedPercent"); ok {
			return State{"speedPercent": percent}, nil
		}
		return nil, errors.Wrapf(ErrUnsupportedCommandParams, "command %s", name)

	case CommandSetFanSpeedRelative:
		if t != TypeFan {
			break
		}
		if weight, ok := paramInt(params, "fanSpeedRelativeWeight"); ok {
			return State{"speedPercent": Clamp(current.Int("speedPercent")+weight*10, 0, 100)}, nil
		}
		if percent, ok := paramInt(params, "fanSpeedRelativePercent"); ok {
			return State{"speedPercent": Clamp(current.Int("speedPercent")+percent, 0, 100)}, nil
		}
		return nil, errors.Wrapf(ErrUnsupportedCommandParams, "command %s", name)

	case CommandReverse:
		if t != TypeFan {
			break
		}
		return State{"isReverse": !current.Bool("isReverse")}, nil

	case CommandSetModes:
		if t != TypeFan {
			break
		}
		if settings, ok := params["updateModeSettings"].(map[string]interface{}); ok {
			if mode, ok := settings["mode"].(string); ok {
				return State{"mode": mode}, nil
			}
		}
		return nil, errors.Wrapf(ErrUnsupportedCommandParams, "command %s", name)

	case CommandSetToggles:
		if t != TypeWasher {
			break
		}
		if settings, ok := params["updateToggleSettings"].(map[string]interface{}); ok {
			if isEco, ok := settings["isEco"].(bool); ok {
				return State{"isEco": isEco}, nil
			}
		}
		return nil, errors.Wrapf(ErrUnsupportedCommandParams, "command %s", name)
	}

	return nil, errors.Wrapf(ErrUnsupportedCommand, "command %s for type %s", name, t)
}

// ReportedState shapes a device's state into the public payload the
// platform sees.  QUERY responses and report-state pushes share this
// one representation.
func ReportedState(t Type, s State) map[string]interface{} {
	switch t {
	case TypeWasher:
		return map[string]interface{}{
			"on":        s.Bool("isOn"),
			"isPaused":  s.Bool("isPaused"),
			"isRunning": s.Bool("isRunning"),
			// Presentation-only run cycle data, never persisted
			"currentRunCycle": []map[string]interface{}{
				{
					"currentCycle": "rinse",
					"nextCycle":    "spin",
					"lang":         "en",
				},
			},
			"currentTotalRemainingTime": 1212,
			"currentCycleRemainingTime": 301,
		}
	case TypeFan:
		return map[string]interface{}{
			"on":                     s.Bool("isOn"),
			"isRunning":              s.Bool("isRunning"),
			"currentFanSpeedSetting": s.String("speedSetting"),
			"currentFanSpeedPercent": s.Int("speedPercent"),
		}
	}

	return map[string]interface{}{}
}

func paramBool(params Params, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func paramInt(params Params, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}

	return 0, false
}
