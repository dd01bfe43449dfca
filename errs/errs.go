// Package errs defines the structured error kinds shared across the
// resolver and installer pipeline.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error kind for stable matching with errors.Is/As.
type Code string

const (
	// ManifestParse means the project manifest could not be parsed.
	ManifestParse Code = "MANIFEST_PARSE"
	// UnknownPackage means the registry returned 404 for a required name.
	UnknownPackage Code = "UNKNOWN_PACKAGE"
	// Unsatisfiable means no registry version matches a required range.
	Unsatisfiable Code = "UNSATISFIABLE"
	// IntegrityFailure means a tarball digest mismatched its manifest record.
	IntegrityFailure Code = "INTEGRITY_FAILURE"
	// Network covers connection failures, timeouts, and 5xx after retries.
	Network Code = "NETWORK"
	// LockfileStale means strict mode required a lockfile entry that was missing.
	LockfileStale Code = "LOCKFILE_STALE"
	// LayoutUnsatisfiable means the layout planner's verification pass failed.
	LayoutUnsatisfiable Code = "LAYOUT_UNSATISFIABLE"
	// Cancelled means the run aborted because the cancellation signal fired.
	Cancelled Code = "CANCELLED"
)

// Error is a structured error carrying a stable code, the chain of
// requestors that led to it (root first), and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Path    []string // requestor chain, root first, per spec.md 4.C failure semantics
	Wrapped error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, " (via %s)", strings.Join(e.Path, " -> "))
	}
	if e.Wrapped != nil {
		fmt.Fprintf(&b, ": %v", e.Wrapped)
	}
	return b.String()
}

// Unwrap implements the errors.Unwrap interface.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is implements the errors.Is interface, matching on Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message. Returns nil if err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Wrapped: err}
}

// Wrapf wraps an existing error with a formatted message. Returns nil if err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// WithPath returns a copy of e with the requestor chain set.
func (e *Error) WithPath(path []string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// PrependPath returns a copy of e with requestor prepended to the chain,
// used as an error propagates up the resolver's request graph.
func (e *Error) PrependPath(requestor string) *Error {
	cp := *e
	cp.Path = append([]string{requestor}, cp.Path...)
	return &cp
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode returns the error code from err, or "" if err is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ExitCode maps an error to the process exit code described in spec.md 6.6.
// nil maps to 0. Cancelled maps to 0 when selfInitiatedCancel is true (the caller
// requested the cancellation and should not treat it as failure).
func ExitCode(err error, selfInitiatedCancel bool) int {
	if err == nil {
		return 0
	}
	code := GetCode(err)
	switch code {
	case Cancelled:
		if selfInitiatedCancel {
			return 0
		}
		return 1
	case ManifestParse, UnknownPackage, Unsatisfiable, IntegrityFailure, LockfileStale:
		return 1
	case LayoutUnsatisfiable:
		return 2
	case Network:
		return 1
	default:
		return 2
	}
}
