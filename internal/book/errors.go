package book

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by Lifecycle matches exactly one of
// them with errors.Is.
var (
	ErrValidation  = errors.New("invalid book request")
	ErrNotFound    = errors.New("book not found")
	ErrForbidden   = errors.New("caller is not the author of this book")
	ErrUpstream    = errors.New("asset store request failed")
	ErrPersistence = errors.New("metadata store request failed")
	ErrConflict    = errors.New("book was modified concurrently")
	ErrCleanup     = errors.New("staged file cleanup failed")
)

// OpError reports the state a lifecycle operation failed in.
type OpError struct {
	Op        string
	State     State
	Kind      error
	Err       error
	Retryable bool
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s book: %s: %v", e.Op, e.State, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Message is the cause without the operation prefix.
func (e *OpError) Message() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Err.Error()
}

// IsRetryable reports whether repeating the whole operation is safe and may succeed.
func IsRetryable(err error) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Retryable
}

// CleanupWarning is attached to a successful outcome when staged files
// could not be removed. The primary result stands.
type CleanupWarning struct {
	Paths []string
	Err   error
}

func (w *CleanupWarning) Error() string {
	return fmt.Sprintf("%v: %s", ErrCleanup, strings.Join(w.Paths, ", "))
}

func (w *CleanupWarning) Unwrap() []error {
	return []error{ErrCleanup, w.Err}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
