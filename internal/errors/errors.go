package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/perp-pool-portfolio/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents malformed caller input (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryValidation represents rejected values such as unsupported chains
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents missing resources
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryProvider represents RPC provider failures
	CategoryProvider ErrorCategory = "provider"
	// CategoryRangeLimit represents a provider rejecting a log block range
	CategoryRangeLimit ErrorCategory = "range_limit"
	// CategoryComputation represents malformed ledger data during valuation
	CategoryComputation ErrorCategory = "computation"
	// CategoryPersistence represents cache store failures
	CategoryPersistence ErrorCategory = "persistence"
	// CategoryStoreUnavailable represents a store that never initialized
	CategoryStoreUnavailable ErrorCategory = "store_unavailable"
	// CategoryRateLimit represents local or remote rate limiting
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents unexpected internal errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError for API responses
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Caller errors

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(field, address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid %s address: %s", field, address),
		Details: map[string]interface{}{
			"field":   field,
			"address": address,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnsupportedChainError is returned for chain ids with no configured client
func NewUnsupportedChainError(chainID types.ChainID) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "UNSUPPORTED_CHAIN",
		Message:    fmt.Sprintf("chain %d is not configured", uint64(chainID)),
		Details: map[string]interface{}{
			"chainId": uint64(chainID),
		},
	}
}

// NewUnconfirmedTradeError rejects optimistic patches for trades without a confirmed receipt
func NewUnconfirmedTradeError(txHash string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusConflict,
		Code:       "TRADE_NOT_CONFIRMED",
		Message:    "trade must be confirmed before the cache is patched",
		Details: map[string]interface{}{
			"transactionHash": txHash,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(scope string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    fmt.Sprintf("rate limit exceeded: %s", scope),
		Details: map[string]interface{}{
			"scope": scope,
		},
	}
}

// Provider errors

// NewProviderError creates an RPC provider error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("rpc provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewRangeLimitError marks a log query rejected for spanning too many blocks
func NewRangeLimitError(fromBlock, toBlock uint64, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRangeLimit,
		StatusCode: http.StatusBadGateway,
		Code:       "BLOCK_RANGE_TOO_LARGE",
		Message:    fmt.Sprintf("provider rejected block range %d-%d", fromBlock, toBlock),
		Cause:      cause,
		Details: map[string]interface{}{
			"fromBlock": fromBlock,
			"toBlock":   toBlock,
		},
	}
}

// Valuation and persistence errors

// NewComputationError wraps malformed ledger data found during valuation
func NewComputationError(token string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryComputation,
		StatusCode: http.StatusInternalServerError,
		Code:       "COMPUTATION_ERROR",
		Message:    fmt.Sprintf("position valuation failed for %s", token),
		Cause:      cause,
		Details: map[string]interface{}{
			"token": token,
		},
	}
}

// NewPersistenceError creates a cache store error
func NewPersistenceError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPersistence,
		StatusCode: http.StatusInternalServerError,
		Code:       "PERSISTENCE_ERROR",
		Message:    fmt.Sprintf("cache store error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewStoreUnavailableError reports that the cache store is not initialized
func NewStoreUnavailableError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStoreUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "STORE_UNAVAILABLE",
		Message:    "cache store is not initialized",
		Cause:      cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case "INVALID_ADDRESS", "INVALID_PARAMETER", "UNSUPPORTED_CHAIN":
		out.Category, out.StatusCode = CategoryValidation, http.StatusBadRequest
	case "NOT_FOUND":
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case "RATE_LIMIT_EXCEEDED":
		out.Category, out.StatusCode = CategoryRateLimit, http.StatusTooManyRequests
	default:
		out.Category, out.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return out
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth another attempt
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryPersistence, CategoryRateLimit:
		return true
	default:
		return false
	}
}

// IsUserError determines if an error is a caller error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// HasCategory reports whether err categorizes as c
func HasCategory(err error, c ErrorCategory) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == c
}
