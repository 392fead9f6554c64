package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindFatal       Kind = "fatal"
	KindInternal    Kind = "internal"
)

// Error is a classified failure. Two errors match under errors.Is when their
// codes are equal.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrInvalidRange         = &Error{Kind: KindValidation, Code: "invalid_range", Msg: "start time must be before end time"}
	ErrJobAlreadyRunning    = &Error{Kind: KindConflict, Code: "job_already_running", Msg: "a recalculation job is already running for this chain"}
	ErrJobTerminal          = &Error{Kind: KindConflict, Code: "job_terminal", Msg: "job already finished"}
	ErrJobNotFound          = &Error{Kind: KindNotFound, Code: "job_not_found", Msg: "job not found"}
	ErrBackupNotFound       = &Error{Kind: KindNotFound, Code: "backup_not_found", Msg: "backup not found"}
	ErrDuplicateTransaction = &Error{Kind: KindConflict, Code: "duplicate_transaction", Msg: "transaction already applied"}
	ErrCancelled            = &Error{Kind: KindFatal, Code: "cancelled", Msg: "job cancelled"}
	ErrInterrupted          = &Error{Kind: KindFatal, Code: "interrupted", Msg: "job interrupted by restart"}
	ErrTooManyFailures      = &Error{Kind: KindFatal, Code: "too_many_failures", Msg: "consecutive address failures exceeded threshold"}
	ErrServiceUnavailable   = &Error{Kind: KindUnavailable, Code: "service_unavailable", Msg: "storage unavailable"}
)

func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a storage failure that survived retries.
func Unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Code: ErrServiceUnavailable.Code, Msg: ErrServiceUnavailable.Msg, Err: err}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
