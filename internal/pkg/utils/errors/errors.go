// Package errors extends the standard library errors with
// message prefixing and aggregation of multiple errors.
package errors

import (
	"errors"
	"fmt"
)

func New(text string) error {
	return errors.New(text)
}

func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Wrap replaces the error message, the original error is available via Unwrap.
func Wrap(err error, message string) error {
	if err == nil {
		panic(New("cannot wrap a nil error"))
	}
	return &wrappedError{message: message, err: err}
}

// Wrapf replaces the error message, the original error is available via Unwrap.
func Wrapf(err error, format string, a ...any) error {
	return Wrap(err, fmt.Sprintf(format, a...))
}

// PrefixError prepends the prefix to the error message.
func PrefixError(err error, prefix string) error {
	if err == nil {
		panic(New("cannot prefix a nil error"))
	}
	return &prefixedError{prefix: prefix, err: err}
}

// PrefixErrorf prepends the formatted prefix to the error message.
func PrefixErrorf(err error, format string, a ...any) error {
	return PrefixError(err, fmt.Sprintf(format, a...))
}

type wrappedError struct {
	message string
	err     error
}

func (e *wrappedError) Error() string {
	return e.message
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

type prefixedError struct {
	prefix string
	err    error
}

func (e *prefixedError) Error() string {
	return e.prefix + ": " + e.err.Error()
}

func (e *prefixedError) Unwrap() error {
	return e.err
}
