package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// maxWireMessageLen bounds the message placed in wire envelopes.
const maxWireMessageLen = 500

// Error is the structured error type for medlit.
// It carries the stable wire code plus context for logging and retry
// decisions. Stack traces never leave the process.
type Error struct {
	// Code is the stable wire code (e.g. VALIDATION).
	Code Code

	// Message is the human-readable error message.
	Message string

	// Field optionally names the input field that failed validation,
	// as a path like "params.query".
	Field string

	// Severity is the log severity for this error.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so stderrors.Is works across wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Retryable reports whether the error may be retried.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// WireMessage returns the message truncated to the envelope limit.
func (e *Error) WireMessage() string {
	if len(e.Message) <= maxWireMessageLen {
		return e.Message
	}
	return e.Message[:maxWireMessageLen]
}

// WithDetail adds a key-value detail. Returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithField records the offending input field path.
func (e *Error) WithField(path string) *Error {
	e.Field = path
	return e
}

// New creates a structured error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Severity: severityFromCode(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error around an existing error.
// Returns nil if err is nil. If err is already a *Error, its code is
// preserved and only the message is prefixed.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if stderrors.As(err, &me) {
		code = me.Code
	}
	return &Error{
		Code:     code,
		Message:  message + ": " + err.Error(),
		Severity: severityFromCode(code),
		Cause:    err,
	}
}

// Validation creates a VALIDATION error for the given field path.
func Validation(field, message string) *Error {
	return New(CodeValidation, message).WithField(field)
}

// NotFound creates a NOT_FOUND error.
func NotFound(what, key string) *Error {
	return Newf(CodeNotFound, "%s %q not found", what, key)
}

// Upstream wraps a downstream failure, classifying context deadline
// expiry as TIMEOUT rather than UPSTREAM.
func Upstream(dependency string, err error) *Error {
	if err == nil {
		return nil
	}
	code := CodeUpstream
	if stderrors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	e := Wrap(code, dependency+" call failed", err)
	return e.WithDetail("dependency", dependency)
}

// Invariant reports a contract violation. These indicate bugs and are
// logged at error level with full context.
func Invariant(message string) *Error {
	return New(CodeInvariant, message)
}

// CodeOf extracts the wire code from any error. Context cancellation
// maps to TIMEOUT; everything unrecognized maps to UNKNOWN.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var me *Error
	if stderrors.As(err, &me) {
		return me.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	if stderrors.Is(err, ErrCircuitOpen) {
		return CodeBreakerOpen
	}
	return CodeUnknown
}

// IsRetryable reports whether the job worker may retry err.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}

// As and Is re-export the standard helpers so callers need only one
// errors import.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }
