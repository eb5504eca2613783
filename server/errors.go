package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/logger"
)

// ErrorResponse is the body of every failed request. Status carries the
// job's current status on a state conflict.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

// httpStatus maps the engine's error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeEngineError reports an engine error. Client errors echo the message;
// infrastructure errors are logged and answered generically.
func writeEngineError(w http.ResponseWriter, log *zap.SugaredLogger, err error, op string) {
	status := httpStatus(err)
	resp := ErrorResponse{Error: err.Error()}

	switch status {
	case http.StatusConflict:
		resp.Status, _ = errors.ConflictStatus(err)
	case http.StatusServiceUnavailable:
		log.Warnw("Request failed on transient error", logger.FieldOperation, op, logger.FieldError, err.Error())
		w.Header().Set("Retry-After", "1")
		resp.Error = "temporarily unavailable, please retry"
	case http.StatusInternalServerError:
		log.Errorw("Request failed", logger.FieldOperation, op, logger.FieldError, err.Error(), "stack", errors.GetStack(err))
		resp.Error = "internal error, please retry"
		if errors.Is(err, errors.ErrFinancialInvariant) {
			resp.Error = "escrow is not in the expected state"
		}
	}

	writeJSON(w, status, resp)
}
