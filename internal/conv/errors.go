package conv

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/born-ml/convdemo/internal/accel"
)

// Failure kinds. Every error returned by this package matches exactly one of
// these with errors.Is.
var (
	ErrNoDevice           = errors.New("no GPU device found")
	ErrInvalidDevice      = errors.New("not a valid GPU")
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrOutOfMemory        = errors.New("out of device memory")
	ErrTransfer           = errors.New("memory transfer failed")
	ErrAlgorithmSelection = errors.New("algorithm selection failed")
	ErrExecution          = errors.New("convolution failed")
	ErrLibrary            = errors.New("library call failed")
	ErrRelease            = errors.New("release failed")
)

// StepError is a failed pipeline step: the failure kind, the external call
// that reported it, the source location of the check and the backend status.
type StepError struct {
	Kind     error
	Call     string
	Location string // file:line
	Err      error  // backend cause, usually *accel.Error; may be nil
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%v: %s at %s", e.Kind, e.Call, e.Location)
	if e.Err == nil {
		return msg
	}
	var aerr *accel.Error
	if errors.As(e.Err, &aerr) {
		return fmt.Sprintf("%s: %s (status %d)", msg, aerr.Status, aerr.Code)
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Status returns the backend status carried by err, if any.
func Status(err error) (*accel.Error, bool) {
	var aerr *accel.Error
	if errors.As(err, &aerr) {
		return aerr, true
	}
	return nil, false
}

// check wraps a non-nil error from an external call as a *StepError located
// at check's caller.
func check(kind error, call string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Kind: kind, Call: call, Location: caller(2), Err: err}
}

// fail reports a step failure that did not come from a backend call.
func fail(kind error, call string, format string, args ...any) error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &StepError{Kind: kind, Call: call, Location: caller(2), Err: cause}
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
