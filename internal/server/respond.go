package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"remotecast/backend/internal/apperror"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBody reads a bounded JSON body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.Validation("Request body too large")
		}
		return apperror.Validation("Malformed request body")
	}
	return nil
}

// writeError maps err to its HTTP status. Foreign errors are logged and surface as internal errors.
func (api *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := apperror.As(err); !ok {
		api.requestLogger(r).Error("unhandled error", zap.Error(err))
	}
	apperror.WriteJSON(w, err)
}
