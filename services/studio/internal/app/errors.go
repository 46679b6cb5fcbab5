package app

import (
	"errors"
	"fmt"
)

// Kind classifies an application error for the transport layer.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindInvalidArgument    Kind = "invalid-argument"
	KindNotFound           Kind = "not-found"
	KindFailedPrecondition Kind = "failed-precondition"
	KindResourceExhausted  Kind = "resource-exhausted"
	KindInternal           Kind = "internal"
)

// Error is returned by every App operation. Message is safe to show to callers;
// Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err. Errors not produced by this package are internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "internal error"
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func invalidArgument(format string, args ...any) *Error {
	return newError(KindInvalidArgument, nil, format, args...)
}

func notFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func failedPrecondition(err error, format string, args ...any) *Error {
	return newError(KindFailedPrecondition, err, format, args...)
}

func internal(err error, format string, args ...any) *Error {
	return newError(KindInternal, err, format, args...)
}

func unauthenticated() *Error {
	return newError(KindUnauthenticated, nil, "sign-in required")
}
