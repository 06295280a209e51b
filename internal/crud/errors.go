package crud

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failure the HTTP layer maps straight to a status code.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func NotFound(resource, id string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: fmt.Sprintf("%s %s not found", resource, id),
	}
}

func CompanyNotFound(tenantSlug string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    "company_not_found",
		Message: fmt.Sprintf("No company found for tenant %s", tenantSlug),
	}
}

func Forbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: "forbidden", Message: message}
}

func BadRequest(code, message string, details any) *Error {
	return &Error{Status: http.StatusBadRequest, Code: code, Message: message, Details: details}
}

func Conflict(message string) *Error {
	return &Error{Status: http.StatusConflict, Code: "conflict", Message: message}
}

// Internal wraps an unexpected error; its text only reaches clients outside
// production.
func Internal(message string, err error) *Error {
	e := &Error{Status: http.StatusInternalServerError, Code: "internal_error", Message: message, cause: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// ErrTenantRequired is returned when an operation runs without a tenant scope.
var ErrTenantRequired = BadRequest("tenant_context_missing", "An active tenant is required for this request", nil)

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
