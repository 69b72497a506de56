// Package definition parses declarative pipeline definitions (YAML or HCL)
// into pipeline.Definition values.
// This is part of the Functional Core - parsing works on bytes, callers do the I/O.
package definition

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput        = errors.New("pipeline definition is empty")
	ErrUnsupportedFormat = errors.New("unsupported definition format")
	ErrInvalidSyntax     = errors.New("invalid definition syntax")
	ErrInvalidArgument   = errors.New("invalid argument reference")
	ErrUndefinedVariable = errors.New("undefined variable")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "steps[1].wiring[0].target"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
