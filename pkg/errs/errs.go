// Package errs defines the error kinds surfaced by the aggregation engine.
//
// Callers branch on kinds with errors.Is against the sentinels:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
//
// The concrete *Error also records the failing operation and entity key for logs.
package errs

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	InvalidNumeric      Kind = "invalid_numeric"
	NotFound            Kind = "not_found"
	InvalidPayload      Kind = "invalid_payload"
	ConcurrencyConflict Kind = "concurrency_conflict"
	Timeout             Kind = "timeout"
)

var (
	ErrInvalidNumeric      = &Error{Kind: InvalidNumeric}
	ErrNotFound            = &Error{Kind: NotFound}
	ErrInvalidPayload      = &Error{Kind: InvalidPayload}
	ErrConcurrencyConflict = &Error{Kind: ConcurrencyConflict}
	ErrTimeout             = &Error{Kind: Timeout}
)

type Error struct {
	Kind Kind
	Op   string
	Key  string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, op, key, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func InvalidNumericf(op, format string, args ...any) *Error {
	return New(InvalidNumeric, op, "", format, args...)
}

func InvalidPayloadf(op, format string, args ...any) *Error {
	return New(InvalidPayload, op, "", format, args...)
}

func NotFoundKey(op, key string) *Error {
	return &Error{Kind: NotFound, Op: op, Key: key}
}

func Conflict(op, key string) *Error {
	return &Error{Kind: ConcurrencyConflict, Op: op, Key: key}
}

// FromContext converts a context failure into a Timeout error. Other errors pass through.
func FromContext(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(Timeout, op, key, err)
	}
	return err
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether a fresh read-modify-write may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
