// Package errors defines the indexer's error taxonomy and maps it onto
// categories and HTTP status codes for the API layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/chirp-indexer/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents caller input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryGateway represents ledger transport / contract call failures
	CategoryGateway ErrorCategory = "gateway"
	// CategoryMaterialization represents malformed ledger data
	CategoryMaterialization ErrorCategory = "materialization"
	// CategoryConsistency represents index invariant violations
	CategoryConsistency ErrorCategory = "consistency"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents everything else (5xx)
	CategorySystem ErrorCategory = "system"
)

// Sentinel errors
var (
	// ErrStoreClosed is returned by writes against a closed index store
	ErrStoreClosed = stderrors.New("index store is closed")
	// ErrNotReady is returned when the indexer has not finished its initial backfill
	ErrNotReady = stderrors.New("indexer not ready")
)

// GatewayError wraps a failed ledger call. It is retryable by the caller.
type GatewayError struct {
	Op      string // e.g. "FetchRecord", "FetchBlock"
	Err     error
	Details map[string]interface{}
}

func (e *GatewayError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("ledger gateway error [%s]: %v (details: %+v)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("ledger gateway error [%s]: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a new GatewayError
func NewGatewayError(op string, err error, details map[string]interface{}) *GatewayError {
	return &GatewayError{Op: op, Err: err, Details: details}
}

// MaterializationError reports a raw tuple that could not be turned into a Record
type MaterializationError struct {
	ID     uint64
	Field  string // positional field name, empty when not field-specific
	Reason string
	Err    error
}

func (e *MaterializationError) Error() string {
	msg := fmt.Sprintf("materialize chirp %d", e.ID)
	if e.Field != "" {
		msg += fmt.Sprintf(" field %q", e.Field)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// NewMaterializationError creates a new MaterializationError
func NewMaterializationError(id uint64, field, reason string, cause error) *MaterializationError {
	return &MaterializationError{ID: id, Field: field, Reason: reason, Err: cause}
}

// DanglingParentError reports a reply whose parent is not indexed yet.
// It means ledger ordering was broken and must never be ignored.
type DanglingParentError struct {
	ChildID  uint64
	ParentID uint64
}

func (e *DanglingParentError) Error() string {
	return fmt.Sprintf("consistency violation: chirp %d references missing parent %d", e.ChildID, e.ParentID)
}

// InvalidAddressError reports a malformed ledger address supplied by a caller
type InvalidAddressError struct {
	Address string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address format: %q", e.Address)
}

// BackfillError wraps the cause that aborted a backfill run
type BackfillError struct {
	NextID uint64 // the ID being processed when the run stopped
	Err    error
}

func (e *BackfillError) Error() string {
	return fmt.Sprintf("backfill aborted at chirp %d: %v", e.NextID, e.Err)
}

func (e *BackfillError) Unwrap() error {
	return e.Err
}

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

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
	}
}

// Categorize categorizes an existing error. The innermost known domain
// error wins, except that a BackfillError keeps its own identity only when
// nothing more specific is wrapped.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var addrErr *InvalidAddressError
	if stderrors.As(err, &addrErr) {
		return &CategorizedError{
			Category:   CategoryUserInput,
			StatusCode: http.StatusBadRequest,
			Code:       "INVALID_ADDRESS",
			Message:    addrErr.Error(),
			Details:    map[string]interface{}{"address": addrErr.Address},
			Cause:      err,
		}
	}

	var dangling *DanglingParentError
	if stderrors.As(err, &dangling) {
		return &CategorizedError{
			Category:   CategoryConsistency,
			StatusCode: http.StatusInternalServerError,
			Code:       "DANGLING_PARENT",
			Message:    dangling.Error(),
			Details: map[string]interface{}{
				"chirpId":  dangling.ChildID,
				"parentId": dangling.ParentID,
			},
			Cause: err,
		}
	}

	var matErr *MaterializationError
	if stderrors.As(err, &matErr) {
		return &CategorizedError{
			Category:   CategoryMaterialization,
			StatusCode: http.StatusBadGateway,
			Code:       "MATERIALIZATION_ERROR",
			Message:    matErr.Error(),
			Details:    map[string]interface{}{"chirpId": matErr.ID, "field": matErr.Field},
			Cause:      err,
		}
	}

	var gwErr *GatewayError
	if stderrors.As(err, &gwErr) {
		return &CategorizedError{
			Category:   CategoryGateway,
			StatusCode: http.StatusBadGateway,
			Code:       "GATEWAY_ERROR",
			Message:    fmt.Sprintf("ledger call failed: %s", gwErr.Op),
			Details:    map[string]interface{}{"op": gwErr.Op},
			Cause:      err,
		}
	}

	if stderrors.Is(err, ErrNotReady) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusServiceUnavailable,
			Code:       "NOT_READY",
			Message:    err.Error(),
			Cause:      err,
		}
	}

	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "unexpected error",
		Cause:      err,
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusOK
}

// IsRetryable determines if an error is worth retrying. Only transport
// failures qualify; malformed data and consistency violations do not heal.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.Category == CategoryGateway
}

// IsUserError determines if an error is a caller error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
