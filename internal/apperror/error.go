package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how they are surfaced to the user.
type Kind string

const (
	KindUserInput          Kind = "user_input"
	KindValidationConflict Kind = "validation_conflict"
	KindTimeout            Kind = "timeout"
	KindExternalService    Kind = "external_service"
	KindStorage            Kind = "storage"
)

var (
	ErrUnknownIntent    = errors.New("unknown intent")
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyConfirmed = errors.New("request already confirmed")
	ErrAlreadyCancelled = errors.New("request already cancelled")
	ErrAlreadyDecided   = errors.New("request already decided")
	ErrRequestExpired   = errors.New("request expired")
)

// Error is the typed error carried through task execution.
type Error struct {
	Kind    Kind
	Code    string // machine readable, e.g. duplicate_dates
	Message string // user facing
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func UserInput(code, message string, err error) *Error {
	return newError(KindUserInput, code, message, err)
}

func ValidationConflict(code, message string, err error) *Error {
	return newError(KindValidationConflict, code, message, err)
}

func Timeout(code, message string, err error) *Error {
	return newError(KindTimeout, code, message, err)
}

func ExternalService(code, message string, err error) *Error {
	return newError(KindExternalService, code, message, err)
}

func Storage(err error) *Error {
	return newError(KindStorage, "storage_error", "Something went wrong on our side. Please try again later.", err)
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
