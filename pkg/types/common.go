package types

import "errors"

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error, or any error it wraps, has a specific error code
func IsErrCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeCanceled           = "CANCELED"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
)

// Messaging error codes
const (
	// ErrCodeConnection is a transport level failure talking to the bus.
	ErrCodeConnection = "CONNECTION"
	// ErrCodeDecode is an inbound payload that could not be decoded.
	ErrCodeDecode = "DECODE"
	// ErrCodeAllocationDenied is a peer refusing an allocation request.
	ErrCodeAllocationDenied = "ALLOCATION_DENIED"
	// ErrCodeRequestTimeout is one or more recipients not replying in time.
	ErrCodeRequestTimeout = "REQUEST_TIMEOUT"
	// ErrCodeRoutingUnresolvable is a recipient with no live client or binding.
	ErrCodeRoutingUnresolvable = "ROUTING_UNRESOLVABLE"
	// ErrCodeMisbehavingCallback is a panic raised by user supplied callback code.
	ErrCodeMisbehavingCallback = "MISBEHAVING_CALLBACK"
)
