// Package attacherr holds the error taxonomy shared by the attach pipeline and the
// result codes reported to callers.
package attacherr

import (
	"errors"
)

var (
	ErrProcessNotFound   = errors.New("process not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrPathResolution    = errors.New("path resolution error")
	ErrBusy              = errors.New("attach already in progress")
	ErrTimeout           = errors.New("timed out")
	ErrProcessExited     = errors.New("process exited")
	ErrInjectionRejected = errors.New("injection rejected")
	ErrMalformedAddress  = errors.New("malformed address")
	ErrIO                = errors.New("i/o error")
)

// Result of one attach-and-receive operation.
type Result int

const (
	// Unknown is the zero value: no result has been recorded yet.
	Unknown Result = iota
	Success
	// Skipped means the local symbol map was fresh enough and no attach was issued.
	Skipped
	Busy
	Timeout
	ProcessExited
	InjectionRejected
	IOError
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case Busy:
		return "busy"
	case Timeout:
		return "timeout"
	case ProcessExited:
		return "process_exited"
	case InjectionRejected:
		return "injection_rejected"
	case IOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Trusted reports whether the data produced by the operation can be used for symbolization.
func (r Result) Trusted() bool {
	return r == Success || r == Skipped
}

// Err returns the sentinel error matching a failed result, or nil.
func (r Result) Err() error {
	switch r {
	case Busy:
		return ErrBusy
	case Timeout:
		return ErrTimeout
	case ProcessExited:
		return ErrProcessExited
	case InjectionRejected:
		return ErrInjectionRejected
	case IOError:
		return ErrIO
	default:
		return nil
	}
}

// ResultFromError maps an error of the taxonomy into the result code that is surfaced
// to the caller. A nil error is a Success. Errors outside the taxonomy are I/O errors,
// as well as a denied access to the files of the target, which doesn't mean that the
// target refused the injection.
func ResultFromError(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrBusy):
		return Busy
	case errors.Is(err, ErrTimeout):
		return Timeout
	case errors.Is(err, ErrProcessExited), errors.Is(err, ErrProcessNotFound):
		return ProcessExited
	case errors.Is(err, ErrInjectionRejected):
		return InjectionRejected
	default:
		return IOError
	}
}
