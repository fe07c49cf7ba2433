package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/keymint/keymint/internal/domain/keys"
	"github.com/keymint/keymint/internal/service"
)

// errorBody is the stable error envelope: {"error":{"code","message"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// deniedMessage is the single message for every denial cause. Missing
// key, wrong secret, disabled, and expired must be indistinguishable.
const deniedMessage = "invalid or expired API key"

// writeError writes the error envelope with the given status.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeServiceError maps a service or store taxonomy error onto the
// wire. Specific denial causes never leak: operators see them in the
// audit stream and logs only.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", deniedMessage)
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, keys.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, keys.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "already exists")
	case errors.Is(err, keys.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "service unavailable")
	default:
		// service.ErrInternal, keys.ErrPermanent, and anything unexpected.
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
