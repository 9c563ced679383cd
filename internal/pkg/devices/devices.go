package devices

import (
	"encoding/json"

	"github.com/pkg/errors"
)

/*
 *   Device types and the state model shared by the cloud fulfillment
 *   path, the local bridge and the virtual devices.
 */

// Type identifies a kind of device we know how to drive
type Type string

const (
	TypeWasher Type = "WASHER"
	TypeFan    Type = "FAN"
)

const (
	typePrefix  = "action.devices.types."
	traitPrefix = "action.devices.traits."
)

// ErrUnknownType is returned when a device type is not one we support
var ErrUnknownType = errors.New("unknown device type")

// ParseType converts a type string (bare or platform-prefixed) to a Type
func ParseType(s string) (Type, error) {
	switch s {
	case string(TypeWasher), typePrefix + string(TypeWasher):
		return TypeWasher, nil
	case string(TypeFan), typePrefix + string(TypeFan):
		return TypeFan, nil
	}

	return "", errors.Wrapf(ErrUnknownType, "parsing [%s]", s)
}

// PlatformType is the namespaced type identifier the platform expects
func (t Type) PlatformType() string {
	return typePrefix + string(t)
}

// Traits returns the capability set a device type exposes to the
// platform, in the platform's namespaced form
func (t Type) Traits() []string {
	var names []string

	switch t {
	case TypeWasher:
		names = []string{"OnOff", "StartStop", "RunCycle", "Toggles"}
	case TypeFan:
		names = []string{"OnOff", "StartStop", "FanSpeed", "Modes"}
	}

	traits := make([]string, 0, len(names))
	for _, n := range names {
		traits = append(traits, traitPrefix+n)
	}

	return traits
}

// SyncAttributes returns the per-type attribute block a SYNC device
// record carries alongside its traits
func SyncAttributes(t Type) map[string]interface{} {
	switch t {
	case TypeWasher:
		return map[string]interface{}{
			"pausable": true,
		}
	case TypeFan:
		return map[string]interface{}{
			"reversible":              true,
			"supportsFanSpeedPercent": true,
			"availableFanSpeeds": map[string]interface{}{
				"ordered": true,
				"speeds": []map[string]interface{}{
					fanSpeed("slow", "low"),
					fanSpeed("medium", "mid"),
					fanSpeed("fast", "high"),
				},
			},
			"availableModes": []map[string]interface{}{
				{
					"name": "spin",
					"name_values": []map[string]interface{}{
						{
							"name_synonym": []string{"spin", "mode"},
							"lang":         "en",
						},
					},
					"settings": []map[string]interface{}{
						fanModeSetting("crazy"),
						fanModeSetting("normal"),
					},
					"ordered": false,
				},
			},
		}
	}

	return map[string]interface{}{}
}

func fanModeSetting(name string) map[string]interface{} {
	return map[string]interface{}{
		"setting_name": name,
		"setting_values": []map[string]interface{}{
			{
				"setting_synonym": []string{name},
				"lang":            "en",
			},
		},
	}
}

func fanSpeed(name string, synonym string) map[string]interface{} {
	return map[string]interface{}{
		"speed_name": name,
		"speed_values": []map[string]interface{}{
			{
				"speed_synonym": []string{name, synonym},
				"lang":          "en",
			},
		},
	}
}

// State is a device's mutable attribute set.  It is stored as a JSON
// document and only ever merged, so unknown attributes survive writes
// that do not mention them.
type State map[string]interface{}

// DefaultState returns the state a device of the given type starts in
func DefaultState(t Type) State {
	switch t {
	case TypeWasher:
		return State{
			"isOn":      false,
			"isRunning": false,
			"isPaused":  false,
			"isEco":     false,
		}
	case TypeFan:
		return State{
			"isOn":         false,
			"isRunning":    false,
			"speedPercent": 10,
			"speedSetting": "slow",
			"mode":         "crazy",
			"isReverse":    false,
		}
	}

	return State{}
}

// Merge returns a copy of s with the partial state applied on top;
// attributes the partial does not mention keep their prior value
func (s State) Merge(partial State) State {
	merged := make(State, len(s)+len(partial))
	for k, v := range s {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}

	return merged
}

// Bool reads a boolean attribute, false if absent or mistyped
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Int reads a numeric attribute.  JSON decoding hands us float64 for
// every number so both representations are accepted.
func (s State) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return int(n)
		}
	}

	return 0
}

// String reads a string attribute, empty if absent or mistyped
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}
