package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindAuthorization Kind = "AUTHORIZATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindStateConflict Kind = "STATE_CONFLICT"
	KindExternal      Kind = "EXTERNAL"
	KindInternal      Kind = "INTERNAL"
)

// Error is a classified domain error. Two errors match under errors.Is when
// their codes are equal, so sentinel values can be wrapped with context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a copy of a classified error.
func Wrap(base *Error, err error) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: base.Message, Err: err}
}

// Validation builds an ad-hoc validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "INVALID_PARAM", Message: fmt.Sprintf(format, args...)}
}

// External wraps a collaborator failure (gateway, mailer, store).
func External(code string, err error) *Error {
	return &Error{Kind: KindExternal, Code: code, Message: "external service failure", Err: err}
}

// KindOf returns the kind of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or INTERNAL_ERROR when unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL_ERROR"
}

var (
	ErrVersionConflict = New(KindStateConflict, "VERSION_CONFLICT", "concurrent modification, re-read and retry")
	ErrAccessDenied    = New(KindAuthorization, "ACCESS_DENIED", "access denied")
)
