package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/perp-pool-portfolio/internal/errors"
	"github.com/perp-pool-portfolio/internal/service"
	"github.com/perp-pool-portfolio/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondServiceError maps err and sends it
func respondServiceError(w http.ResponseWriter, err error) {
	statusCode, code, message, details := mapServiceError(err)
	respondError(w, statusCode, code, message, details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeSuperseded         = "LOAD_SUPERSEDED"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapServiceError maps service errors to HTTP status codes. Messages of
// server-side failures are replaced so internals do not leak.
func mapServiceError(err error) (int, string, string, map[string]interface{}) {
	switch {
	case errors.Is(err, service.ErrSuperseded):
		return http.StatusConflict, ErrCodeSuperseded, "A newer load for this portfolio replaced this request", nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "The request was cancelled before the portfolio loaded", nil
	}

	catErr := apperrors.Categorize(err)
	switch catErr.Category {
	case apperrors.CategoryUserInput, apperrors.CategoryValidation, apperrors.CategoryNotFound, apperrors.CategoryRateLimit:
		return catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details
	case apperrors.CategoryProvider, apperrors.CategoryRangeLimit:
		return http.StatusBadGateway, catErr.Code, "The chain provider could not serve the request", nil
	case apperrors.CategoryPersistence, apperrors.CategoryStoreUnavailable:
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "The cache store is unavailable", nil
	default:
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil
	}
}
