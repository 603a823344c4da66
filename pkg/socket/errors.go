package socket

import (
	"errors"
	"fmt"
)

// Error classes. Every *Error matches exactly one of these with errors.Is.
var (
	ErrAllocation = errors.New("cannot allocate socket")
	ErrConfig     = errors.New("cannot configure socket")
	ErrBind       = errors.New("cannot bind socket")
	ErrListen     = errors.New("cannot listen on socket")
	ErrAccept     = errors.New("cannot accept connection")
	ErrIO         = errors.New("connection i/o failed")
	ErrUnbound    = errors.New("socket is not bound")
)

// Causes that are not OS errors.
var (
	ErrInvalidState        = errors.New("operation not allowed in current state")
	ErrFamilyMismatch      = errors.New("address family does not match socket domain")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrUnsupportedPlatform = errors.New("raw sockets are not supported on this platform")
)

// Error describes a failed socket operation.
//
// Class is one of the Err* class sentinels above; Err is the underlying
// cause, usually an *os.SyscallError. errors.Is matches both, so callers can
// test for ErrBind and unix.EADDRINUSE on the same value.
type Error struct {
	Class error
	Op    string
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s (state %s)", e.Class, e.Op, e.State)
	}
	return fmt.Sprintf("%v: %s (state %s): %v", e.Class, e.Op, e.State, e.Err)
}

// Is reports whether target is the error class.
func (e *Error) Is(target error) bool {
	return target == e.Class
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IOError classifies a per-connection read or write failure.
func IOError(op string, err error) error {
	return &Error{Class: ErrIO, Op: op, State: StateListening, Err: err}
}

// IsStartup reports whether err belongs to one of the classes that abort
// startup before any connection is accepted.
func IsStartup(err error) bool {
	return errors.Is(err, ErrAllocation) ||
		errors.Is(err, ErrConfig) ||
		errors.Is(err, ErrBind) ||
		errors.Is(err, ErrListen)
}
