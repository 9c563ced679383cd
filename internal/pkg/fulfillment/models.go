package fulfillment

import (
	"encoding/json"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
)

// Platform intents
const (
	IntentSync       = "action.devices.SYNC"
	IntentQuery      = "action.devices.QUERY"
	IntentExecute    = "action.devices.EXECUTE"
	IntentDisconnect = "action.devices.DISCONNECT"
)

// Request is the platform's intent envelope
type Request struct {
	RequestID string  `json:"requestId"`
	Inputs    []Input `json:"inputs"`
}

// Input is one intent within the envelope
type Input struct {
	Intent  string          `json:"intent"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope we hand back
type Response struct {
	RequestID string      `json:"requestId"`
	Payload   interface{} `json:"payload"`
}

// SyncPayload answers a SYNC intent.  For an unauthenticated caller
// both fields stay empty and the payload serialises as {}.
type SyncPayload struct {
	AgentUserID string       `json:"agentUserId,omitempty"`
	Devices     []SyncDevice `json:"devices,omitempty"`
}

// SyncDevice is the public record for one device in a SYNC response
type SyncDevice struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Traits          []string               `json:"traits"`
	Name            DeviceName             `json:"name"`
	WillReportState bool                   `json:"willReportState"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
	DeviceInfo      *DeviceInfo            `json:"deviceInfo,omitempty"`
}

type DeviceName struct {
	DefaultNames []string `json:"defaultNames,omitempty"`
	Name         string   `json:"name"`
	Nicknames    []string `json:"nicknames,omitempty"`
}

type DeviceInfo struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	HwVersion    string `json:"hwVersion"`
	SwVersion    string `json:"swVersion"`
}

// QueryRequest is the QUERY intent payload
type QueryRequest struct {
	Devices []QueryDevice `json:"devices"`
}

type QueryDevice struct {
	ID string `json:"id"`
}

// QueryPayload maps device handle to its public state
type QueryPayload struct {
	Devices map[string]map[string]interface{} `json:"devices"`
}

// ExecuteRequest is the EXECUTE intent payload: command batches, each
// naming target devices and the operations to run against them
type ExecuteRequest struct {
	Commands []ExecuteCommand `json:"commands"`
}

type ExecuteCommand struct {
	Devices   []ExecuteDevice    `json:"devices"`
	Execution []ExecuteOperation `json:"execution"`
}

type ExecuteDevice struct {
	ID string `json:"id"`
}

type ExecuteOperation struct {
	Command string         `json:"command"`
	Params  devices.Params `json:"params"`
}

// ExecutePayload aggregates execution results
type ExecutePayload struct {
	Commands []ExecuteResult `json:"commands"`
}

// ExecuteResult groups device ids by status with their merged states
type ExecuteResult struct {
	IDs    []string               `json:"ids"`
	Status string                 `json:"status"`
	States map[string]interface{} `json:"states"`
}
