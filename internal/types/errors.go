package types

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindNotFound
	KindPermission
	KindTransientStore
	KindNotificationFanout
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation error"
	case KindNotFound:
		return "not found"
	case KindPermission:
		return "permission denied"
	case KindTransientStore:
		return "store unavailable"
	case KindNotificationFanout:
		return "notification fan-out failed"
	}
	return "unknown error"
}

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewValidationError(format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

func NewNotFoundError(what, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %q not found", what, id),
	}
}

func NewPermissionError(format string, args ...any) *Error {
	return &Error{
		Kind:    KindPermission,
		Message: fmt.Sprintf(format, args...),
	}
}

func NewTransientStoreError(op string, err error) *Error {
	return &Error{
		Kind:    KindTransientStore,
		Message: op,
		Err:     err,
	}
}

func NewNotificationFanoutError(err error) *Error {
	return &Error{
		Kind:    KindNotificationFanout,
		Message: KindNotificationFanout.String(),
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsPermission(err error) bool { return KindOf(err) == KindPermission }

// Retryable reports whether the caller may safely retry the operation.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientStore
}
