package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	ErrorStoreIntegrity    ErrorCode = "STORE_INTEGRITY_VIOLATION"
	ErrorStoreConflict     ErrorCode = "STORE_CONFLICT"
	ErrorUnrecognizedEvent ErrorCode = "UNRECOGNIZED_EVENT"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code carried by err, or ErrorInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Code
	}
	return ErrorInternal
}
