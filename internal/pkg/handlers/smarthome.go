package handlers

import (
	"net/http"

	"github.com/teeline/smarthome-washer/internal/pkg/fulfillment"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
)

// SmartHomeHandler feeds platform intent envelopes to the fulfillment
// service
type SmartHomeHandler struct {
	svc *fulfillment.Service
}

func NewSmartHomeHandler(svc *fulfillment.Service) SmartHomeHandler {
	return SmartHomeHandler{svc: svc}
}

func (h *SmartHomeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req fulfillment.Request
	ctxLogger := logging.Logger(r.Context())

	if err := decodeJSONBody(w, r, &req); err != nil {
		ctxLogger.WithError(err).Errorf("decoding JSON")
		http.Error(w, "unable to parse JSON", http.StatusBadRequest)
		return
	}

	resp := h.svc.Handle(r.Context(), req, bearerToken(r))

	sendJSONResponse(w, r, resp)
}
