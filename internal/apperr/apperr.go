// Package apperr defines the framework error taxonomy: validation errors
// returned to callers for correction, configuration errors that abort startup,
// and coordination errors that are logged and retried.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error codes. The code identifies the failed constraint; the field
// path travels separately in FieldError.ID.
const (
	CodeUnexpectedDefaultValue   = "UnexpectedDefaultValue"
	CodeUnexpectedType           = "UnexpectedType"
	CodeMinLengthUnderachieved   = "MinLengthUnderachieved"
	CodeMaxLengthExceeded        = "MaxLengthExceeded"
	CodeMinValueUnderachived     = "MinValueUnderachived"
	CodeMaxValueExceeded         = "MaxValueExceeded"
	CodeValueNotAllowed          = "ValueNotAllowed"
	CodePatternMismatch          = "PatternMismatch"
	CodeMissingRequiredParameter = "MissingRequiredParameter"
	CodeModelNotMatch            = "ModelNotMatch"
	CodeInternalError            = "InternalError"
)

// FieldError describes one failed constraint on one field.
type FieldError struct {
	Code string `json:"code"`
	ID   string `json:"id"`
	Msg  string `json:"msg"`
	// In tags the request section the field came from (header|query|body|path).
	// Empty outside the request pipeline.
	In string `json:"in,omitempty"`
}

func (e FieldError) String() string {
	if e.In != "" {
		return fmt.Sprintf("%s: %s (%s, in %s)", e.Code, e.ID, e.Msg, e.In)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.ID, e.Msg)
}

// ValidationError aggregates field-level failures. It is returned to the
// caller for correction and is never fatal.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidation builds a ValidationError from one or more field errors.
func NewValidation(errs ...FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}

// AsValidation unwraps err into a *ValidationError if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// ConfigError reports a route or model declared incorrectly. It is fatal at
// startup and must never surface at request time.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Msg }

// Configf builds a ConfigError.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// CoordinationError reports a lost storage race during cron start/stop,
// heartbeat, or cleanup. Callers log it and retry on the next tick.
type CoordinationError struct {
	Op  string
	Err error
}

func (e *CoordinationError) Error() string {
	if e.Err == nil {
		return "coordination failed: " + e.Op
	}
	return fmt.Sprintf("coordination failed: %s: %v", e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// Coordination wraps err as a CoordinationError for operation op.
func Coordination(op string, err error) error {
	return &CoordinationError{Op: op, Err: err}
}
