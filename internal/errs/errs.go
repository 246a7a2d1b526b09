package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure. The kind decides whether the caller
// retries, drops, or reports the failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindInvalidCode Kind = "invalid_code"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
)

// Error is the typed failure value returned by runtime operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Network reports a failed remote call.
func Network(err error, format string, args ...any) error {
	return &Error{Kind: KindNetwork, Msg: fmt.Sprintf(format, args...), Err: err}
}

// InvalidCode reports a code action that matches no registered action class.
func InvalidCode(code string) error {
	return &Error{Kind: KindInvalidCode, Msg: fmt.Sprintf("no action class with key %q", code)}
}

// Validation reports a payload that does not have the expected shape.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a referenced survey or environment the service does not know.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Retryable reports whether a failure should be retried. Validation failures
// follow the network policy; untyped errors are treated as network failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindValidation, "":
		return true
	default:
		return false
	}
}
