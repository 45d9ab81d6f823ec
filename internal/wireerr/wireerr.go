// Package wireerr classifies the error kinds surfaced by the core
// (spec.md §7): Transient, ConnectionReset, Timeout, Overload, Fatal, and
// MalformedFrame.
package wireerr

import (
	"syscall"

	"github.com/pkg/errors"
)

// Kind is one of the error classes from spec.md §7.
type Kind int

const (
	Transient Kind = iota
	ConnectionReset
	Timeout
	Overload
	Fatal
	MalformedFrame
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case ConnectionReset:
		return "connection_reset"
	case Timeout:
		return "timeout"
	case Overload:
		return "overload"
	case Fatal:
		return "fatal"
	case MalformedFrame:
		return "malformed_frame"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its classified Kind and, for
// ConnectionReset/Timeout, the errno-ish code to report back to callers
// in the DESTROY sentinel (spec.md §4.9 step 3).
type Error struct {
	Kind Kind
	Code int32 // negative errno convention, 0 when not applicable
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Cause() error { return e.Err }
func (e *Error) Unwrap() error { return e.Err }

// New builds a classified Error wrapping err.
func New(kind Kind, code int32, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Classify maps a raw I/O error from recv/send into one of the kinds
// recognized by spec.md §7.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)

	switch {
	case cause == syscall.EAGAIN || cause == syscall.EINTR:
		return New(Transient, 0, err)
	case cause == syscall.ECONNRESET:
		return New(ConnectionReset, -int32(syscall.ECONNRESET), err)
	case cause == syscall.ETIMEDOUT:
		return New(Timeout, -int32(syscall.ETIMEDOUT), err)
	default:
		return New(ConnectionReset, -1, err)
	}
}

// IsRecoverableAcceptError reports whether errno is one of the
// non-fatal accept(2) failures listed in spec.md §4.8
// (EAGAIN/EWOULDBLOCK/ECONNABORTED/EMFILE/ENOBUFS/ENOMEM).
func IsRecoverableAcceptError(err error) bool {
	errno, ok := errors.Cause(err).(syscall.Errno)
	if !ok {
		return false
	}
	switch errno {
	case syscall.EAGAIN, syscall.ECONNABORTED,
		syscall.EMFILE, syscall.ENOBUFS, syscall.ENOMEM:
		return true
	default:
		return false
	}
}
