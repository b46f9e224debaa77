package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors surfaced by the orchestrator.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindConflict        ErrorKind = "conflict"
	KindUnavailable     ErrorKind = "unavailable"
	KindInvalid         ErrorKind = "invalid"
	KindProviderFailure ErrorKind = "provider_failure"
	KindExhausted       ErrorKind = "escalation_exhausted"
)

// Error is a typed orchestrator error with a human-readable message. Task is
// set when the error reports a task whose run ended failed.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
	Task    *TaskExecution
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a KindConflict error.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Invalidf builds a KindInvalid error.
func Invalidf(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a persistence or infrastructure failure.
func Unavailable(err error, msg string) error {
	return &Error{Kind: KindUnavailable, Message: msg, Err: err}
}

// TaskFailure reports that t ended failed. t is the final snapshot.
func TaskFailure(kind ErrorKind, t *TaskExecution) error {
	msg := fmt.Sprintf("task %s failed", t.ID)
	if t.ErrorMessage != "" {
		msg += ": " + t.ErrorMessage
	}
	return &Error{Kind: kind, Message: msg, Task: t}
}

// FailedTask returns the task snapshot carried by err, or nil.
func FailedTask(err error) *TaskExecution {
	var e *Error
	if errors.As(err, &e) {
		return e.Task
	}
	return nil
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify passes typed errors through and marks anything else as
// persistence unavailable.
func Classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return Unavailable(err, msg)
}
