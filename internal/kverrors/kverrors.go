// Package kverrors defines the single tagged error kind used across the
// filesystem engines and its mapping to POSIX errno values at the façade
// boundary.
package kverrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is the closed set of internal error categories engines may report.
type Kind int

const (
	// Unknown is the zero value and should never be returned deliberately.
	Unknown Kind = iota
	NotInitialized
	InvalidData
	NotFound
	AlreadyExists
	NotADirectory
	IsADirectory
	DirectoryNotEmpty
	InodeHasNoInlineData
	DataMissing
	TransactionConflict
	Timeout
	BackendUnavailable
	Cancelled
	PermissionDenied
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "NotInitialized"
	case InvalidData:
		return "InvalidData"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case NotADirectory:
		return "NotADirectory"
	case IsADirectory:
		return "IsADirectory"
	case DirectoryNotEmpty:
		return "DirectoryNotEmpty"
	case InodeHasNoInlineData:
		return "InodeHasNoInlineData"
	case DataMissing:
		return "DataMissing"
	case TransactionConflict:
		return "TransactionConflict"
	case Timeout:
		return "Timeout"
	case BackendUnavailable:
		return "BackendUnavailable"
	case Cancelled:
		return "Cancelled"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is the one tagged-variant error type engines construct and return.
// A free-text message and an optional wrapped cause carry the specifics;
// Kind drives both log-level routing and the façade's POSIX mapping.
type Error struct {
	Kind Kind
	Op   string // the engine operation that failed, e.g. "direngine.Rename"
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Wrap builds an *Error around an existing cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind carried by err, walking the unwrap chain. It
// returns Unknown if err is nil or carries no *Error.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err's Kind (or a wrapped error's Kind) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ToErrno maps a Kind to the POSIX errno the filesystem façade replies
// with (spec.md §7's table). The mapping is total: every Kind, including
// Unknown, resolves to some errno so a call site never has to guess.
func ToErrno(kind Kind) syscall.Errno {
	switch kind {
	case NotFound:
		return syscall.ENOENT
	case AlreadyExists:
		return syscall.EEXIST
	case NotADirectory:
		return syscall.ENOTDIR
	case IsADirectory:
		return syscall.EISDIR
	case DirectoryNotEmpty:
		return syscall.ENOTEMPTY
	case PermissionDenied:
		return syscall.EACCES
	case InvalidArgument, InodeHasNoInlineData:
		return syscall.EINVAL
	case Timeout, BackendUnavailable:
		return syscall.EIO
	case Cancelled:
		return syscall.EINTR
	case InvalidData, DataMissing:
		return syscall.EIO
	case TransactionConflict:
		return syscall.EIO
	case NotInitialized:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
