package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies failures on the call path.
type ErrorCode string

const (
	CodeProtocol          ErrorCode = "PROTOCOL_ERROR"
	CodeUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamFailure   ErrorCode = "UPSTREAM_FAILURE"
	CodeTransferRace      ErrorCode = "TRANSFER_RACE"
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeSessionClosed     ErrorCode = "SESSION_CLOSED"
)

// Sentinels for errors.Is. They carry no message, so they match any error
// with the same code.
var (
	ErrProtocol          = &Error{Code: CodeProtocol}
	ErrUpstreamTimeout   = &Error{Code: CodeUpstreamTimeout}
	ErrUpstreamFailure   = &Error{Code: CodeUpstreamFailure}
	ErrTransferRace      = &Error{Code: CodeTransferRace}
	ErrResourceExhausted = &Error{Code: CodeResourceExhausted}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrSessionClosed     = &Error{Code: CodeSessionClosed}
)

// Error is the structured error carried through the engine.
type Error struct {
	Code      ErrorCode
	Message   string
	Op        string
	Retryable bool
	Cause     error
}

// NewError creates an error with the given code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target carries the same code. A target with a message
// only matches errors with that exact message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithOp returns a copy tagged with the failing operation.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Op = op
	return &cp
}

// WithCause returns a copy wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// ProtocolErrorf builds a PROTOCOL_ERROR.
func ProtocolErrorf(format string, args ...any) *Error {
	return &Error{Code: CodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// Upstream classifies an error returned by a remote collaborator. Deadline
// errors become UPSTREAM_TIMEOUT and are not retried; everything else is a
// retryable UPSTREAM_FAILURE.
func Upstream(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) && (de.Code == CodeUpstreamTimeout || de.Code == CodeUpstreamFailure) {
		if de.Op == "" {
			return de.WithOp(op)
		}
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeUpstreamTimeout, Op: op, Cause: err}
	}
	return &Error{Code: CodeUpstreamFailure, Op: op, Retryable: true, Cause: err}
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether err is a retryable engine error.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}
