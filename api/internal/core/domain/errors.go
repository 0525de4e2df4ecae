package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error that leaves the core wraps exactly one of these so the
// delivery layer can map it to a status code with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthenticated     = errors.New("authentication required")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("resource not found")
	ErrConflict            = errors.New("resource already exists")
	ErrUpstreamUnavailable = errors.New("cipher service unavailable")
	ErrUpstreamRejected    = errors.New("cipher service rejected the request")
	ErrInternal            = errors.New("internal error")
)

// ErrNoEmbeddedData is returned when a media file carries no recoverable payload.
var ErrNoEmbeddedData = fmt.Errorf("no embedded data found: %w", ErrNotFound)

// Error carries the failing operation, a caller-safe message and the underlying cause.
type Error struct {
	Kind  error
	Op    string
	Msg   string
	Cause error
}

func NewError(kind error, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Cause: cause}
}

func (e *Error) Error() string {
	s := e.Msg
	if s == "" && e.Kind != nil {
		s = e.Kind.Error()
	}
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// PublicMessage returns the message that is safe to show to an API caller.
func (e *Error) PublicMessage() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Kind != nil {
		return e.Kind.Error()
	}
	return "request failed"
}

func Validation(op, msg string) error {
	return NewError(ErrValidation, op, msg, nil)
}

func NotFound(op, msg string) error {
	return NewError(ErrNotFound, op, msg, nil)
}

func Forbidden(op string) error {
	return NewError(ErrForbidden, op, "forbidden", nil)
}

func Internal(op, msg string, cause error) error {
	return NewError(ErrInternal, op, msg, cause)
}
