package protocol

import "fmt"

// Error codes carried in error frames. The set is closed: handlers map every
// failure onto one of these.
const (
	CodeParseError       = "PARSE_ERROR"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnknownOperation = "UNKNOWN_OPERATION"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeValidation       = "VALIDATION_ERROR"
	CodeConflict         = "CONFLICT"
	CodeBucketNotDefined = "BUCKET_NOT_DEFINED"
	CodeQueryNotDefined  = "QUERY_NOT_DEFINED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeRulesUnavailable = "RULES_NOT_AVAILABLE"
	CodeSessionRevoked   = "SESSION_REVOKED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is the typed error every gateway component returns. It flows through
// unchanged to the error frame.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// NewError builds a typed error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a typed error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details to the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// AsError coerces any error into a protocol error. Unknown errors become
// INTERNAL_ERROR with a generic message; the underlying cause travels only in
// Details, which the dispatcher strips unless detail exposure is enabled.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{
		Code:    CodeInternal,
		Message: "Internal error",
		Details: map[string]interface{}{"cause": err.Error()},
	}
}
