package handlers

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/homegraph"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/registry"
	"github.com/teeline/smarthome-washer/internal/pkg/store"
)

// RequestSyncHandler relays a sync request for one agent user to the
// platform and passes its JSON reply straight through
type RequestSyncHandler struct {
	hg homegraph.HomeGraph
}

func NewRequestSyncHandler(hg homegraph.HomeGraph) RequestSyncHandler {
	return RequestSyncHandler{hg: hg}
}

func (h *RequestSyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctxLogger := logging.Logger(r.Context())

	agentUserID := r.URL.Query().Get("agentUserId")
	ctxLogger.Infof("Request SYNC for user %s", agentUserID)

	body, err := h.hg.RequestSync(agentUserID)
	if err != nil {
		ctxLogger.WithError(err).Error("requesting sync")
		http.Error(w, fmt.Sprintf("Error requesting sync: %s", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		ctxLogger.WithError(err).Error("writing request-sync response")
	}
}

// UpdateStateHandler merges a partial state pushed by a device into
// the registry.  The body names its device either by handle
// (userDeviceId) or, for the local virtual devices, by type.
type UpdateStateHandler struct {
	reg *registry.Registry
}

func NewUpdateStateHandler(reg *registry.Registry) UpdateStateHandler {
	return UpdateStateHandler{reg: reg}
}

func (h *UpdateStateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctxLogger := logging.Logger(r.Context())

	var body map[string]interface{}
	if err := decodeJSONBody(w, r, &body); err != nil {
		ctxLogger.WithError(err).Errorf("decoding JSON")
		http.Error(w, "unable to parse JSON", http.StatusBadRequest)
		return
	}

	userDeviceID, _ := body["userDeviceId"].(string)
	typeName, _ := body["type"].(string)
	delete(body, "userDeviceId")
	delete(body, "type")

	partial := devices.State(body)

	var err error
	switch {
	case userDeviceID != "":
		_, err = h.reg.MergeState(r.Context(), userDeviceID, partial)
	case typeName != "":
		var t devices.Type
		t, err = devices.ParseType(typeName)
		if err == nil {
			_, err = h.reg.MergeStateByType(r.Context(), t, partial)
		}
	default:
		err = errors.New("missing userDeviceId and type")
	}

	if err != nil {
		// Benign for the pushing device either way: the write is
		// best-effort and the device will push again on its next
		// change
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, devices.ErrUnknownType) {
			ctxLogger.WithError(err).Warn("update-state for unknown device")
		} else {
			ctxLogger.WithError(err).Error("update-state")
		}
	}

	w.WriteHeader(http.StatusOK)
}
