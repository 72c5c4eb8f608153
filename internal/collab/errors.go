package collab

import "fmt"

// Error codes surfaced to clients over the error event.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeNotJoined    = "NOT_JOINED"
	CodeInternal     = "INTERNAL_ERROR"
)

// Error is the typed protocol error returned by service operations and
// mirrored onto the error event so failures are never silent.
type Error struct {
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protocolError(code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func validationError(message string, details any) *Error {
	return protocolError(CodeValidation, message, details)
}
