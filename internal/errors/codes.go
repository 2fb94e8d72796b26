// Package errors provides structured error handling for medlit.
//
// Every error that can cross the wire carries one of the stable Code
// values below. Codes are part of the public contract: clients branch on
// them, the job worker uses them to decide retryability, and the HTTP
// layer maps them to status codes.
package errors

// Code is a stable wire-level error code.
type Code string

const (
	// CodeValidation indicates bad caller input. Terminal.
	CodeValidation Code = "VALIDATION"
	// CodeNotFound indicates a missing document, job, or tool. Terminal.
	CodeNotFound Code = "NOT_FOUND"
	// CodeRateLimit is our own back-pressure signal (HTTP 429). Retryable.
	CodeRateLimit Code = "RATE_LIMIT"
	// CodeUpstream indicates a downstream non-rate failure (vector store,
	// database, source API). Retryable.
	CodeUpstream Code = "UPSTREAM"
	// CodeTimeout indicates a deadline was exceeded. Retryable.
	CodeTimeout Code = "TIMEOUT"
	// CodeBreakerOpen indicates a dependency circuit breaker rejected the
	// call without attempting it. Retryable.
	CodeBreakerOpen Code = "BREAKER_OPEN"
	// CodeUnavailable indicates the service is not ready. Retryable.
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeConflict indicates an idempotency conflict. Terminal.
	CodeConflict Code = "CONFLICT"
	// CodeInvariant indicates a contract violation, i.e. a bug. It halts
	// the current operation and must never occur in steady state.
	CodeInvariant Code = "INVARIANT"
	// CodeUnknown is the fallback for unclassified failures.
	CodeUnknown Code = "UNKNOWN"
)

// Severity defines error severity levels for logging.
type Severity string

const (
	// SeverityError indicates the operation failed.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityFatal indicates a contract violation that must abort.
	SeverityFatal Severity = "FATAL"
)

// HTTPStatus maps a code to its HTTP status per the invoke contract.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeRateLimit:
		return 429
	case CodeUnavailable, CodeBreakerOpen:
		return 503
	case CodeTimeout:
		return 504
	case CodeUpstream:
		return 502
	default:
		return 500
	}
}

// Retryable reports whether the job worker may retry an error with this
// code. VALIDATION, NOT_FOUND, and CONFLICT are terminal; INVARIANT and
// UNKNOWN are not retried because the failure mode is not understood.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimit, CodeUpstream, CodeTimeout, CodeBreakerOpen, CodeUnavailable:
		return true
	default:
		return false
	}
}

// severityFromCode determines default severity for a code.
func severityFromCode(c Code) Severity {
	switch c {
	case CodeInvariant:
		return SeverityFatal
	case CodeRateLimit, CodeBreakerOpen, CodeUnavailable:
		return SeverityWarning
	default:
		return SeverityError
	}
}
