package model

import "fmt"

// ValidationCode identifies which invariant a record violated.
type ValidationCode string

const (
	BadUID     ValidationCode = "BAD_UID"
	BadSource  ValidationCode = "BAD_SOURCE"
	BadUUID    ValidationCode = "BAD_UUID"
	EmptyText  ValidationCode = "EMPTY_TEXT"
	BadSection ValidationCode = "BAD_SECTION"
	BadMeta    ValidationCode = "BAD_META"
)

// ValidationError reports a model invariant violation with a typed code.
type ValidationError struct {
	Code    ValidationCode
	Message string
	Value   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s (got %q)", e.Code, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches validation errors by code.
func (e *ValidationError) Is(target error) bool {
	if t, ok := target.(*ValidationError); ok {
		return e.Code == t.Code
	}
	return false
}
