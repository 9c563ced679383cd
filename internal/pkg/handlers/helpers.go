package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/teeline/smarthome-washer/internal/pkg/logging"
)

func sendJSONResponse(w http.ResponseWriter, r *http.Request, d interface{}) {
	w.Header().Set("Content-Type", "application/json")

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		value, _, _ := mime.ParseMediaType(ct)
		if value != "application/json" {
			return fmt.Errorf("expected JSON request, got %s", value)
		}
	}

	// 100kb max body
	reader := http.MaxBytesReader(w, r.Body, 100*1024)
	dec := json.NewDecoder(reader)

	if err := dec.Decode(&dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}

	return nil
}

// bearerToken pulls the access token out of an Authorization header;
// empty when absent or not a bearer scheme
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "

	authz := r.Header.Get("Authorization")
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):]
	}

	return ""
}
