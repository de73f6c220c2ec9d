package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies an error for the HTTP envelope and retry policy.
type Category string

const (
	CategoryValidation    Category = "validation_error"
	CategoryAuth          Category = "auth_error"
	CategoryNotFound      Category = "not_found"
	CategoryContextLimit  Category = "context_limit_error"
	CategoryRateLimit     Category = "rate_limit_error"
	CategoryModel         Category = "model_error"
	CategoryResource      Category = "resource_error"
	CategoryUnavailable   Category = "service_unavailable"
	CategoryConfiguration Category = "configuration_error"
)

// Stable machine-readable codes carried in the error envelope.
const (
	CodeInvalidCredential   = "INVALID_CREDENTIAL"
	CodeCredentialExpired   = "CREDENTIAL_EXPIRED"
	CodeCredentialRejected  = "CREDENTIAL_REJECTED"
	CodeIDPUnreachable      = "IDP_UNREACHABLE"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeModelNotFound       = "MODEL_NOT_FOUND"
	CodeProviderUnreachable = "PROVIDER_UNREACHABLE"
	CodeProviderRejected    = "PROVIDER_REJECTED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeCapacityExhausted   = "CAPACITY_EXHAUSTED"
	CodeContextOverflow     = "CONTEXT_OVERFLOW"
	CodeProviderTimeout     = "PROVIDER_TIMEOUT"
	CodeStreamTokenInvalid  = "STREAM_TOKEN_INVALID"
	CodeStreamConsumed      = "STREAM_CONSUMED"
)

// Common domain errors
var (
	// Conversation errors
	ErrConversationNotFound    = errors.New("conversation not found")
	ErrConversationDeleted     = errors.New("conversation is deleted")
	ErrInvalidStatusTransition = errors.New("invalid conversation status transition")

	// Message errors
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidRole     = errors.New("invalid message role")

	// Principal errors
	ErrPrincipalNotFound    = errors.New("principal not found")
	ErrPrincipalDeactivated = errors.New("principal is deactivated")

	// Stream session errors
	ErrStreamConsumed     = errors.New("stream token already consumed")
	ErrStreamTokenInvalid = errors.New("stream token invalid or expired")

	// Validation errors
	ErrEmptyContent = errors.New("content cannot be empty")
	ErrEmptyTitle   = errors.New("title cannot be empty")
	ErrTitleTooLong = errors.New("title exceeds maximum length")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("resource not found")
)

// Error is the category-typed error every layer above the repositories
// raises. It carries everything the HTTP envelope needs so that handlers
// never have to reverse-engineer a status code from a message string.
type Error struct {
	Category    Category
	Code        string
	Message     string
	Details     map[string]any
	Suggestions []string
	Retryable   bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the category to its wire status. Two categories split on
// the code: auth errors are 403 only for permission denials, and model
// errors are 404 only when the model itself is unknown.
func (e *Error) HTTPStatus() int {
	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuth:
		if e.Code == CodePermissionDenied {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryContextLimit:
		return http.StatusRequestEntityTooLarge
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryModel:
		if e.Code == CodeModelNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case CategoryResource, CategoryUnavailable:
		return http.StatusServiceUnavailable
	case CategoryConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WithDetails attaches envelope details and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithSuggestions attaches envelope suggestions and returns the error for chaining.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// Wrap records the underlying cause and returns the error for chaining.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func New(category Category, code, message string) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

func NewValidation(code, message string) *Error {
	return New(CategoryValidation, code, message)
}

func NewAuth(code, message string) *Error {
	return New(CategoryAuth, code, message)
}

func NewNotFound(message string) *Error {
	return New(CategoryNotFound, "NOT_FOUND", message)
}

func NewContextLimit(message string) *Error {
	return New(CategoryContextLimit, CodeContextOverflow, message)
}

func NewRateLimit(message string) *Error {
	e := New(CategoryRateLimit, CodeRateLimited, message)
	e.Retryable = true
	return e
}

func NewModel(code, message string) *Error {
	return New(CategoryModel, code, message)
}

func NewResource(code, message string) *Error {
	e := New(CategoryResource, code, message)
	e.Retryable = true
	return e
}

func NewUnavailable(code, message string) *Error {
	e := New(CategoryUnavailable, code, message)
	e.Retryable = true
	return e
}

func NewConfiguration(message string) *Error {
	return New(CategoryConfiguration, "CONFIGURATION_ERROR", message)
}

// AsError unwraps err into *Error when possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether the error is marked safe to retry.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}
