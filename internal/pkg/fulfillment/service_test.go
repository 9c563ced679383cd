package fulfillment

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/teeline/smarthome-washer/internal/pkg/auth"
	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/registry"
	"github.com/teeline/smarthome-washer/internal/pkg/store"
)

func testService(t *testing.T) (*Service, *auth.Service, *store.DB) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.PutUser(ctx, store.User{ID: "u1", AgentID: "agent-u1", Name: "Alice"}); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}
	if err := db.PutDevice(ctx, store.Device{ID: "washer", Type: devices.TypeWasher, Name: "Washer"}); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	if err := db.PutDevice(ctx, store.Device{ID: "fan", Type: devices.TypeFan, Name: "Fan"}); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	for _, ud := range []store.UserDevice{
		{ID: "washer-111", UserID: "u1", DeviceID: "washer", Name: "Washer", State: devices.DefaultState(devices.TypeWasher)},
		{ID: "fan-123", UserID: "u1", DeviceID: "fan", Name: "Fan", State: devices.DefaultState(devices.TypeFan)},
	} {
		if err := db.PutUserDevice(ctx, ud); err != nil {
			t.Fatalf("PutUserDevice() error = %v", err)
		}
	}

	authSvc := auth.New(db)
	return New(authSvc, registry.New(db)), authSvc, db
}

func accessTokenFor(t *testing.T, authSvc *auth.Service, userID string) string {
	t.Helper()

	pair, err := authSvc.ExchangeAuthorizationCode(context.Background(), authSvc.IssueAuthorizationGrant(userID))
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	return pair.AccessToken
}

func intentRequest(t *testing.T, intent string, payload string) Request {
	t.Helper()

	req := Request{
		RequestID: "req-1",
		Inputs:    []Input{{Intent: intent}},
	}
	if payload != "" {
		req.Inputs[0].Payload = json.RawMessage(payload)
	}

	return req
}

func TestHandleSync(t *testing.T) {
	svc, authSvc, _ := testService(t)
	ctx := context.Background()

	t.Run("authenticated", func(t *testing.T) {
		token := accessTokenFor(t, authSvc, "u1")
		resp := svc.Handle(ctx, intentRequest(t, IntentSync, ""), token)

		payload, ok := resp.Payload.(SyncPayload)
		if !ok {
			t.Fatalf("payload is %T, want SyncPayload", resp.Payload)
		}
		if payload.AgentUserID != "agent-u1" {
			t.Errorf("AgentUserID = %q, want agent-u1", payload.AgentUserID)
		}
		if len(payload.Devices) != 2 {
			t.Fatalf("got %d devices, want 2", len(payload.Devices))
		}

		byID := map[string]SyncDevice{}
		for _, d := range payload.Devices {
			byID[d.ID] = d
		}

		washer, ok := byID["washer-111"]
		if !ok {
			t.Fatal("washer-111 missing from SYNC")
		}
		if washer.Type != "action.devices.types.WASHER" {
			t.Errorf("washer type = %q", washer.Type)
		}
		if !washer.WillReportState {
			t.Error("WillReportState = false, want true")
		}
		if washer.Attributes["pausable"] != true {
			t.Errorf("washer attributes = %v, want pausable", washer.Attributes)
		}

		fan := byID["fan-123"]
		if fan.Attributes["supportsFanSpeedPercent"] != true {
			t.Errorf("fan attributes = %v", fan.Attributes)
		}
	})

	t.Run("bad token yields empty payload", func(t *testing.T) {
		resp := svc.Handle(ctx, intentRequest(t, IntentSync, ""), "not-a-token")

		payload, ok := resp.Payload.(SyncPayload)
		if !ok {
			t.Fatalf("payload is %T, want SyncPayload", resp.Payload)
		}
		if payload.AgentUserID != "" || len(payload.Devices) != 0 {
			t.Errorf("payload = %+v, want empty", payload)
		}

		// An empty payload must serialize to an empty object
		b, err := json.Marshal(resp)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out struct {
			Payload map[string]interface{} `json:"payload"`
		}
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(out.Payload) != 0 {
			t.Errorf("serialized payload = %v, want {}", out.Payload)
		}
	})
}

func TestHandleQuery(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	payload := `{"devices": [{"id": "washer-111"}, {"id": "ghost-1"}]}`
	resp := svc.Handle(ctx, intentRequest(t, IntentQuery, payload), "")

	qp, ok := resp.Payload.(QueryPayload)
	if !ok {
		t.Fatalf("payload is %T, want QueryPayload", resp.Payload)
	}

	washer, ok := qp.Devices["washer-111"]
	if !ok {
		t.Fatal("washer-111 missing from QUERY response")
	}
	if washer["on"] != false || washer["isRunning"] != false {
		t.Errorf("washer state = %v", washer)
	}
	if _, ok := washer["currentRunCycle"]; !ok {
		t.Error("washer QUERY state misses run cycle data")
	}

	if _, ok := qp.Devices["ghost-1"]; ok {
		t.Error("unknown device must be omitted, not reported")
	}
}

func TestHandleExecute(t *testing.T) {
	svc, _, db := testService(t)
	ctx := context.Background()

	payload := `{
		"commands": [{
			"devices": [{"id": "washer-111"}, {"id": "ghost-1"}],
			"execution": [{"command": "action.devices.commands.OnOff", "params": {"on": true}}]
		}]
	}`
	resp := svc.Handle(ctx, intentRequest(t, IntentExecute, payload), "")

	ep, ok := resp.Payload.(ExecutePayload)
	if !ok {
		t.Fatalf("payload is %T, want ExecutePayload", resp.Payload)
	}
	if len(ep.Commands) != 1 {
		t.Fatalf("got %d results, want 1", len(ep.Commands))
	}

	result := ep.Commands[0]
	if result.Status != "SUCCESS" {
		t.Errorf("status = %q, want SUCCESS", result.Status)
	}
	if len(result.IDs) != 1 || result.IDs[0] != "washer-111" {
		t.Errorf("ids = %v, want [washer-111]", result.IDs)
	}
	if result.States["online"] != true || result.States["isOn"] != true {
		t.Errorf("states = %v", result.States)
	}

	// The write must be durable
	ud, err := db.UserDevice(ctx, "washer-111")
	if err != nil {
		t.Fatalf("UserDevice() error = %v", err)
	}
	if !ud.State.Bool("isOn") {
		t.Errorf("stored state = %v, want isOn", ud.State)
	}
}

func TestHandleExecuteRelativeSpeed(t *testing.T) {
	svc, _, db := testService(t)
	ctx := context.Background()

	payload := `{
		"commands": [{
			"devices": [{"id": "fan-123"}],
			"execution": [{"command": "action.devices.commands.SetFanSpeedRelative",
			               "params": {"fanSpeedRelativeWeight": 3}}]
		}]
	}`
	svc.Handle(ctx, intentRequest(t, IntentExecute, payload), "")

	ud, err := db.UserDevice(ctx, "fan-123")
	if err != nil {
		t.Fatalf("UserDevice() error = %v", err)
	}
	if got := ud.State.Int("speedPercent"); got != 40 {
		t.Errorf("speedPercent = %d, want 40", got)
	}
}

func TestHandleDisconnect(t *testing.T) {
	svc, authSvc, _ := testService(t)
	ctx := context.Background()

	token := accessTokenFor(t, authSvc, "u1")
	resp := svc.Handle(ctx, intentRequest(t, IntentDisconnect, ""), token)
	if resp.RequestID != "req-1" {
		t.Errorf("RequestID = %q", resp.RequestID)
	}

	// Tokens survive a disconnect
	user, err := authSvc.ResolveBearerToken(ctx, token)
	if err != nil {
		t.Fatalf("ResolveBearerToken() error = %v", err)
	}
	if user == nil {
		t.Error("disconnect revoked the access token")
	}
}

func TestHandleEmptyInputs(t *testing.T) {
	svc, _, _ := testService(t)

	resp := svc.Handle(context.Background(), Request{RequestID: "req-9"}, "")
	if resp.RequestID != "req-9" {
		t.Errorf("RequestID = %q, want req-9", resp.RequestID)
	}
}
