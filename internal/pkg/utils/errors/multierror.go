package errors

import (
	"strings"
	"sync"
)

const (
	indent = "  "
	bullet = "- "
)

// MultiError is a list of errors aggregated during an operation that
// continues after a partial failure, for example a flush of many trackers.
type MultiError interface {
	error
	Len() int
	Append(errs ...error)
	AppendWithPrefix(err error, prefix string)
	AppendWithPrefixf(err error, format string, a ...any)
	WrappedErrors() []error
	// ErrorOrNil returns nil if the list is empty,
	// the only item if there is one error, otherwise the list itself.
	ErrorOrNil() error
}

func NewMultiError() MultiError {
	return &multiError{}
}

type multiError struct {
	lock sync.Mutex
	errs []error
}

func (e *multiError) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.errs)
}

func (e *multiError) Append(errs ...error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, err := range errs {
		if err == nil {
			panic(New("cannot append a nil error"))
		}
		// Flatten nested lists
		if v, ok := err.(*multiError); ok { // nolint: errorlint
			e.errs = append(e.errs, v.WrappedErrors()...)
		} else {
			e.errs = append(e.errs, err)
		}
	}
}

func (e *multiError) AppendWithPrefix(err error, prefix string) {
	e.Append(PrefixError(err, prefix))
}

func (e *multiError) AppendWithPrefixf(err error, format string, a ...any) {
	e.Append(PrefixErrorf(err, format, a...))
}

func (e *multiError) WrappedErrors() []error {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

func (e *multiError) ErrorOrNil() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	switch len(e.errs) {
	case 0:
		return nil
	case 1:
		return e.errs[0]
	default:
		return e
	}
}

func (e *multiError) Unwrap() []error {
	return e.WrappedErrors()
}

func (e *multiError) Error() string {
	var out strings.Builder
	for i, err := range e.WrappedErrors() {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(bullet)
		// Indent multi-line messages under their bullet
		out.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n"+indent))
	}
	return out.String()
}
