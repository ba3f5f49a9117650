package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/apperr"
)

// envelope is the external response shape every endpoint uses: exactly one
// of data or error is populated.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// respondError maps err to the external error taxonomy from apperr,
// defaulting to 500/INTERNAL_ERROR for anything that isn't one of ours.
func respondError(w http.ResponseWriter, logger *zap.Logger, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		logger.Error("unhandled error", zap.Error(err))
		appErr = apperr.Internal("internal error", err)
	}

	status := apperr.HTTPStatus(appErr.Kind)
	if status >= 500 {
		logger.Error(appErr.Message, zap.Error(err), zap.String("code", appErr.Code))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &errorBody{Code: appErr.Code, Message: appErr.Message},
	})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}
