package model

import (
	"errors"
	"fmt"
)

// ErrorCode is surfaced verbatim to clients.
type ErrorCode string

const (
	CodeNotAMember         ErrorCode = "NOT_A_MEMBER"
	CodeInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	CodeRoomNotFound       ErrorCode = "ROOM_NOT_FOUND"
	CodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	CodeFanoutUnavailable  ErrorCode = "FANOUT_UNAVAILABLE"
	CodeStaleTransition    ErrorCode = "STALE_TRANSITION"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
)

// Sentinels for errors.Is matching. Wrap them with NewError to add context.
var (
	ErrNotAMember         = &Error{Code: CodeNotAMember}
	ErrInvalidPayload     = &Error{Code: CodeInvalidPayload}
	ErrRoomNotFound       = &Error{Code: CodeRoomNotFound}
	ErrPersistenceFailure = &Error{Code: CodePersistenceFailure}
	ErrFanoutUnavailable  = &Error{Code: CodeFanoutUnavailable}
	ErrStaleTransition    = &Error{Code: CodeStaleTransition}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
)

// Error is the typed failure every router stage returns.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so wrapped instances compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// IsValidation reports errors that must never be retried.
func (e *Error) IsValidation() bool {
	return e.Code == CodeNotAMember || e.Code == CodeInvalidPayload || e.Code == CodeRoomNotFound
}

// CodeOf extracts the client-facing code, defaulting to PERSISTENCE_FAILURE
// for untyped errors so internals never leak to the wire.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodePersistenceFailure
}
