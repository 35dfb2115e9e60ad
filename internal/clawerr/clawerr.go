// Package clawerr defines the error taxonomy used across component
// boundaries. Handlers return a *Error rather than throwing; library
// failures at a component seam are mapped into one of the kinds here.
package clawerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch and wire mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindUnauthorized
	KindTimeout
	KindConnectionFailed
	KindProtocol
	KindSerialization
	KindProvider
	KindChannel
	KindDatabase
	KindMemory
	KindSession
	KindIO
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindTimeout:
		return "timeout"
	case KindConnectionFailed:
		return "connection_failed"
	case KindProtocol:
		return "protocol_error"
	case KindSerialization:
		return "serialization_error"
	case KindProvider:
		return "provider_error"
	case KindChannel:
		return "channel_error"
	case KindDatabase:
		return "database_error"
	case KindMemory:
		return "memory_error"
	case KindSession:
		return "session_error"
	case KindIO:
		return "io_error"
	default:
		return "internal_error"
	}
}

// Error carries a kind, a human message and an optional machine detail.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of the error carrying the given detail.
func (e *Error) WithDetail(detail string) *Error {
	clone := *e
	clone.Detail = detail
	return &clone
}

// Wrap maps an underlying error into the taxonomy, preserving the cause
// for errors.Is/As. A nil err yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Detail: err.Error(), cause: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Convenience constructors for the common kinds.

func NotFound(msg string) *Error         { return New(KindNotFound, msg) }
func Unauthorized(msg string) *Error     { return New(KindUnauthorized, msg) }
func Timeout(msg string) *Error          { return New(KindTimeout, msg) }
func ConnectionFailed(msg string) *Error { return New(KindConnectionFailed, msg) }
func Protocol(msg string) *Error         { return New(KindProtocol, msg) }
func Serialization(msg string) *Error    { return New(KindSerialization, msg) }
func Provider(msg string) *Error         { return New(KindProvider, msg) }
func Channel(msg string) *Error          { return New(KindChannel, msg) }
func Database(msg string) *Error         { return New(KindDatabase, msg) }
func Memory(msg string) *Error           { return New(KindMemory, msg) }
func Session(msg string) *Error          { return New(KindSession, msg) }
func IO(msg string) *Error               { return New(KindIO, msg) }
func Internal(msg string) *Error         { return New(KindInternal, msg) }
