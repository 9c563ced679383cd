package fulfillment

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/korovkin/limiter"

	"github.com/teeline/smarthome-washer/internal/pkg/auth"
	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/registry"
)

/*
 *   Answers the four platform intents.  Each call is a fresh
 *   request/response; nothing is kept between calls.  Per-device work
 *   inside QUERY and EXECUTE fans out concurrently and a failure on one
 *   device never fails its siblings.
 */

const defaultMaxConcurrent = 10

// Service handles platform intent requests
type Service struct {
	auth          *auth.Service
	registry      *registry.Registry
	maxConcurrent int
}

func New(authSvc *auth.Service, reg *registry.Registry) *Service {
	return &Service{
		auth:          authSvc,
		registry:      reg,
		maxConcurrent: defaultMaxConcurrent,
	}
}

// WithMaxConcurrent bounds the per-device fan-out
func (s *Service) WithMaxConcurrent(n int) *Service {
	ns := *s
	ns.maxConcurrent = n
	return &ns
}

// Handle dispatches the envelope's first input to its intent handler.
// bearerToken is the access token the caller presented; it may be
// empty.
func (s *Service) Handle(ctx context.Context, req Request, bearerToken string) Response {
	if len(req.Inputs) == 0 {
		logging.Logger(ctx).Warn("intent envelope with no inputs")
		return Response{RequestID: req.RequestID, Payload: struct{}{}}
	}

	input := req.Inputs[0]

	switch input.Intent {
	case IntentSync:
		return s.sync(ctx, req.RequestID, bearerToken)
	case IntentQuery:
		return s.query(ctx, req.RequestID, input.Payload)
	case IntentExecute:
		return s.execute(ctx, req.RequestID, input.Payload)
	case IntentDisconnect:
		return s.disconnect(ctx, req.RequestID)
	}

	logging.Logger(ctx).Warnf("unsupported intent: %s", input.Intent)
	return Response{RequestID: req.RequestID, Payload: struct{}{}}
}

func (s *Service) sync(ctx context.Context, requestID string, bearerToken string) Response {
	ctxLogger := logging.Logger(ctx)

	user, err := s.auth.ResolveBearerToken(ctx, bearerToken)
	if err != nil {
		ctxLogger.WithError(err).Error("resolving bearer token")
		return Response{RequestID: requestID, Payload: SyncPayload{}}
	}
	if user == nil {
		// The platform reads an empty payload as nothing to report
		ctxLogger.Warn("cannot find user for bearer token on SYNC")
		return Response{RequestID: requestID, Payload: SyncPayload{}}
	}

	infos, err := s.registry.ForUser(ctx, user.ID)
	if err != nil {
		ctxLogger.WithError(err).Error("listing user devices")
		return Response{RequestID: requestID, Payload: SyncPayload{}}
	}

	syncDevices := make([]SyncDevice, 0, len(infos))
	for _, info := range infos {
		syncDevices = append(syncDevices, SyncDevice{
			ID:     info.Handle,
			Type:   info.Type.PlatformType(),
			Traits: info.Type.Traits(),
			Name: DeviceName{
				DefaultNames: []string{info.Model},
				Name:         info.Name,
			},
			WillReportState: true,
			Attributes:      devices.SyncAttributes(info.Type),
			DeviceInfo: &DeviceInfo{
				Manufacturer: "teeline",
				Model:        info.Model,
				HwVersion:    "1.0",
				SwVersion:    "1.0.1",
			},
		})
	}

	ctxLogger.Infof("SYNC for user %s: %d devices", user.ID, len(syncDevices))

	return Response{
		RequestID: requestID,
		Payload: SyncPayload{
			AgentUserID: user.AgentID,
			Devices:     syncDevices,
		},
	}
}

func (s *Service) query(ctx context.Context, requestID string, payload json.RawMessage) Response {
	ctxLogger := logging.Logger(ctx)

	var req QueryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		ctxLogger.WithError(err).Error("decoding QUERY payload")
		return Response{RequestID: requestID, Payload: QueryPayload{Devices: map[string]map[string]interface{}{}}}
	}

	var mu sync.Mutex
	states := make(map[string]map[string]interface{}, len(req.Devices))

	limit := limiter.NewConcurrencyLimiter(s.maxConcurrent)
	for _, d := range req.Devices {
		handle := d.ID
		limit.Execute(func() {
			info, err := s.registry.Describe(ctx, handle)
			if err != nil {
				// A missing device is dropped from the map, never a
				// top-level failure
				ctxLogger.WithError(err).Errorf("QUERY %s", handle)
				return
			}

			reported := devices.ReportedState(info.Type, info.State)

			mu.Lock()
			states[handle] = reported
			mu.Unlock()
		})
	}
	limit.Wait()

	return Response{RequestID: requestID, Payload: QueryPayload{Devices: states}}
}

func (s *Service) execute(ctx context.Context, requestID string, payload json.RawMessage) Response {
	ctxLogger := logging.Logger(ctx)

	result := ExecuteResult{
		IDs:    []string{},
		Status: "SUCCESS",
		States: map[string]interface{}{
			"online": true,
		},
	}

	var req ExecuteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		ctxLogger.WithError(err).Error("decoding EXECUTE payload")
		return Response{RequestID: requestID, Payload: ExecutePayload{Commands: []ExecuteResult{result}}}
	}

	var mu sync.Mutex
	limit := limiter.NewConcurrencyLimiter(s.maxConcurrent)

	for _, command := range req.Commands {
		for _, device := range command.Devices {
			for _, execution := range command.Execution {
				handle := device.ID
				op := execution
				limit.Execute(func() {
					partial, err := s.updateDevice(ctx, handle, op)
					if err != nil {
						// Excluded from the success list; siblings
						// carry on
						ctxLogger.WithError(err).Errorf("EXECUTE %s", handle)
						return
					}

					mu.Lock()
					result.IDs = append(result.IDs, handle)
					for k, v := range partial {
						result.States[k] = v
					}
					mu.Unlock()
				})
			}
		}
	}
	limit.Wait()

	return Response{
		RequestID: requestID,
		Payload:   ExecutePayload{Commands: []ExecuteResult{result}},
	}
}

// updateDevice runs one (command, device) pair: map the command onto a
// partial state and persist the merge
func (s *Service) updateDevice(ctx context.Context, handle string, op ExecuteOperation) (devices.State, error) {
	info, err := s.registry.Describe(ctx, handle)
	if err != nil {
		return nil, err
	}

	partial, err := devices.Apply(info.Type, op.Command, op.Params, info.State)
	if err != nil {
		return nil, err
	}

	if _, err := s.registry.MergeState(ctx, handle, partial); err != nil {
		return nil, err
	}

	return partial, nil
}

func (s *Service) disconnect(ctx context.Context, requestID string) Response {
	// Notification only: the user unlinked their account.  Tokens are
	// not revoked here.
	logging.Logger(ctx).Info("user account unlinked from the assistant platform")
	return Response{RequestID: requestID, Payload: struct{}{}}
}
