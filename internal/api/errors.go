package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondServiceError categorizes err and writes it. Server-side failures are
// logged with the request's logger and their message is not echoed back.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)

	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("code", catErr.Code).Error("Request failed")
		if catErr.Category == apperrors.CategorySystem {
			respondError(w, catErr.StatusCode, catErr.Code, "An internal error occurred", nil)
			return
		}
	}

	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
