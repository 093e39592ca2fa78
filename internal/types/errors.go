package types

import (
	"context"
	"errors"
	"fmt"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// ErrorKind is the stable failure classification shared by operations,
// workflows and the backend coordinator.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorDeviceUnavailable
	ErrorDeviceDisconnected
	ErrorTimeout
	ErrorProtocolRejected
	ErrorDataIntegrity
	ErrorCancelled
	ErrorPrecondition
	ErrorUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "NONE"
	case ErrorDeviceUnavailable:
		return "DEVICE_UNAVAILABLE"
	case ErrorDeviceDisconnected:
		return "DEVICE_DISCONNECTED"
	case ErrorTimeout:
		return "TIMEOUT"
	case ErrorProtocolRejected:
		return "PROTOCOL_REJECTED"
	case ErrorDataIntegrity:
		return "DATA_INTEGRITY"
	case ErrorCancelled:
		return "CANCELLED"
	case ErrorPrecondition:
		return "PRECONDITION"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether re-issuing the same action may succeed without
// changing its inputs. Precondition failures never are.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorDeviceUnavailable, ErrorDeviceDisconnected, ErrorTimeout, ErrorCancelled:
		return true
	default:
		return false
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure. It is created once where the failing
// exchange was issued and passed upward unchanged.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification of err. Unclassified errors are
// mapped to ErrorUnknown, context errors to cancellation or timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorNone
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	default:
		return ErrorUnknown
	}
}

// Classify returns err as a *Error, wrapping unclassified errors as unknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	return &Error{Kind: KindOf(err), Message: "unclassified failure", Err: err}
}
