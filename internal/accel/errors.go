package accel

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when a backend was not compiled in or its native
// runtime cannot be loaded.
var ErrUnavailable = errors.New("accel: backend not available")

// Status is a library status code. Backends without their own codes use these.
type Status int

// Library status codes.
const (
	StatusSuccess        Status = 0
	StatusNotInitialized Status = 1
	StatusInvalidValue   Status = 2
	StatusBadParm        Status = 3
	StatusAllocFailed    Status = 4
	StatusInternalError  Status = 5
	StatusNotImplemented Status = 6
	StatusUnknownError   Status = 7
	StatusUnsupportedOp  Status = 8
)

// String returns the status text.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotInitialized:
		return "not initialized"
	case StatusInvalidValue:
		return "invalid value"
	case StatusBadParm:
		return "bad parameter"
	case StatusAllocFailed:
		return "allocation failed"
	case StatusInternalError:
		return "internal error"
	case StatusNotImplemented:
		return "not implemented"
	case StatusUnsupportedOp:
		return "unsupported operation"
	default:
		return "unknown error"
	}
}

// Error is a non-success status reported by a runtime or library call.
type Error struct {
	Call   string // API entry point, e.g. "hipMalloc"
	Code   int    // backend-specific numeric status
	Status string // backend-provided status text
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Call, e.Status, e.Code)
}

// NewError returns an *Error for one of the generic library statuses.
func NewError(call string, s Status) *Error {
	return &Error{Call: call, Code: int(s), Status: s.String()}
}

// Errorf returns an *Error with a generic status and a formatted detail.
func Errorf(call string, s Status, format string, args ...any) *Error {
	return &Error{Call: call, Code: int(s), Status: s.String() + ": " + fmt.Sprintf(format, args...)}
}
