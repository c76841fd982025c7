// Package errs provides the unified error type used across all of pgdialect.
//
// Every backend (pgx, database/sql, MySQL) wraps its native errors into
// *errs.Error before returning them. The dialect adds diagnostic context to
// the message and attaches secondary failures (a release that failed while a
// commit was already failing, …) as named attachments so callers always see
// one primary error.
//
// Usage:
//
//	// In a backend, wrap native errors:
//	return errs.Wrap(errs.ErrKindTimeout, "acquire timed out", err)
//
//	// In cleanup code, keep the original error primary:
//	if rerr := conn.Release(); rerr != nil {
//	    cause.Attach("releaseError", rerr)
//	}
//
//	// In a caller, check error kind:
//	if errs.IsConfiguration(err) { ... }
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrKind categorises an error without exposing backend-specific codes.
type ErrKind int

const (
	ErrKindUnknown          ErrKind = iota
	ErrKindNotFound                 // no rows, unknown transaction
	ErrKindConnectionFailed         // cannot reach or authenticate to the backend
	ErrKindTimeout                  // context deadline / acquire timeout
	ErrKindQueryFailed              // SQL execution error
	ErrKindInvalidInput             // bad arguments or protocol misuse from the caller
	ErrKindPermissionDenied         // access denied / auth failure
	ErrKindConfiguration            // missing or conflicting options, raised before any I/O
	ErrKindCleanup                  // release/end/commit/rollback/unprepare failure during error handling
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindQueryFailed:
		return "query_failed"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindConfiguration:
		return "configuration"
	case ErrKindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all pgdialect components.
//
// Attachments are not safe for concurrent mutation; an error is owned by the
// goroutine that is currently handling it.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging

	// Detail carries structured context for diagnostics, e.g. the sanitized
	// pool configuration on a failed pool creation.
	Detail any

	attached map[string]error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Kind, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	for _, name := range e.AttachedNames() {
		fmt.Fprintf(&sb, " (%s: %v)", name, e.attached[name])
	}
	return sb.String()
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
// Attachments are deliberately not part of the chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Attach records a secondary failure under name (e.g. "releaseError").
// A nil err is ignored. Attaching twice under the same name keeps the latest.
func (e *Error) Attach(name string, err error) {
	if err == nil {
		return
	}
	if e.attached == nil {
		e.attached = make(map[string]error, 1)
	}
	e.attached[name] = err
}

// Attached returns the secondary failure recorded under name, or nil.
func (e *Error) Attached(name string) error {
	return e.attached[name]
}

// AttachedNames returns the attachment names in sorted order.
func (e *Error) AttachedNames() []string {
	names := make([]string, 0, len(e.attached))
	for name := range e.attached {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Append adds diagnostic context to the message.
func (e *Error) Append(msg string) *Error {
	e.Message += msg
	return e
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an *Error with a formatted message.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// From returns err as an *Error. Errors that are not already *Error values
// are wrapped with the given kind and message.
func From(err error, kind ErrKind, msg string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(kind, msg, err)
}

// --- Predicates ---

// IsNotFound reports whether err represents a "not found" result.
func IsNotFound(err error) bool {
	return kindOf(err) == ErrKindNotFound
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return kindOf(err) == ErrKindTimeout
}

// IsConnectionFailed reports whether err is a connectivity or auth failure.
func IsConnectionFailed(err error) bool {
	return kindOf(err) == ErrKindConnectionFailed
}

// IsQueryFailed reports whether err is a statement execution failure.
func IsQueryFailed(err error) bool {
	return kindOf(err) == ErrKindQueryFailed
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return kindOf(err) == ErrKindInvalidInput
}

// IsPermissionDenied reports whether err is an access control failure.
func IsPermissionDenied(err error) bool {
	return kindOf(err) == ErrKindPermissionDenied
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return kindOf(err) == ErrKindConfiguration
}

// IsCleanup reports whether err is a cleanup failure.
func IsCleanup(err error) bool {
	return kindOf(err) == ErrKindCleanup
}

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	return kindOf(err)
}

func kindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
