package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict      ErrorCode = "CONFLICT"

	// Payments
	ErrCodeInsufficientFunds    ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeLightningUnavailable ErrorCode = "LIGHTNING_UNAVAILABLE"
	ErrCodeInvalidInvoice       ErrorCode = "INVALID_INVOICE"
	ErrCodePaymentRequired      ErrorCode = "PAYMENT_REQUIRED"

	// Nodes & sessions
	ErrCodeNodeBusy         ErrorCode = "NODE_BUSY"
	ErrCodeNodeUnavailable  ErrorCode = "NODE_UNAVAILABLE"
	ErrCodeModelLoadFailed  ErrorCode = "MODEL_LOAD_FAILED"
	ErrCodeSessionNotActive ErrorCode = "SESSION_NOT_ACTIVE"
	ErrCodeSessionExpired   ErrorCode = "SESSION_EXPIRED"
	ErrCodeGenerationBusy   ErrorCode = "GENERATION_BUSY"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func AlreadyExists(resource string) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func InsufficientFunds(needSats, haveSats int64) *AppError {
	return New(ErrCodeInsufficientFunds, "Insufficient balance").WithDetails(map[string]int64{
		"requiredSats":  needSats,
		"availableSats": haveSats,
	})
}

func LightningUnavailable(cause error) *AppError {
	return Wrap(ErrCodeLightningUnavailable, "Lightning service unavailable", cause)
}

func InvalidInvoice(reason string) *AppError {
	return New(ErrCodeInvalidInvoice, fmt.Sprintf("Invalid invoice: %s", reason))
}

func PaymentRequired() *AppError {
	return New(ErrCodePaymentRequired, "Payment not received")
}

func NodeBusy(nodeID string) *AppError {
	return New(ErrCodeNodeBusy, "Node is busy").WithDetails(map[string]string{"nodeId": nodeID})
}

func NodeUnavailable(nodeID string) *AppError {
	return New(ErrCodeNodeUnavailable, "Node is not available").WithDetails(map[string]string{"nodeId": nodeID})
}

func ModelLoadFailed(reason string) *AppError {
	return New(ErrCodeModelLoadFailed, fmt.Sprintf("Model failed to load: %s", reason))
}

func SessionNotActive() *AppError {
	return New(ErrCodeSessionNotActive, "Session is not active")
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "Session has expired")
}

func GenerationBusy() *AppError {
	return New(ErrCodeGenerationBusy, "A generation is already in progress")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
