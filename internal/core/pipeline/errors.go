package pipeline

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUnresolvedDependency is returned when a step references a key no
	// earlier step has persisted.
	ErrUnresolvedDependency = errors.New("unresolved dependency")

	// ErrProvisioningFailed is returned when the deployer could not create the unit.
	ErrProvisioningFailed = errors.New("provisioning failed")

	// ErrPersistFailed is returned when the produced address could not be flushed.
	ErrPersistFailed = errors.New("persisting address failed")

	// ErrWiringFailed is returned when a post-deploy operation failed.
	// Only fatal under the required policy.
	ErrWiringFailed = errors.New("wiring failed")

	// ErrInvalidDefinition is returned by static validation of a pipeline.
	ErrInvalidDefinition = errors.New("invalid pipeline definition")

	// ErrUnknownStep is returned when resuming from a step that does not exist.
	ErrUnknownStep = errors.New("unknown step")
)

// StepError carries enough context for an operator to resume by hand.
type StepError struct {
	Step    string // Step name
	Unit    string // Unit being deployed
	Op      string // Operation that failed (e.g. "resolve", "provision", "addOperator")
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("step %s (%s) %s: %s", e.Step, e.Unit, e.Op, e.Message)
	}
	return fmt.Sprintf("step %s %s: %s", e.Step, e.Op, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a new StepError. kind is the sentinel the error should
// match with errors.Is; cause is the underlying failure and is kept in the chain.
func NewStepError(step, unit, op string, kind, cause error) *StepError {
	msg := kind.Error()
	if cause != nil {
		msg = cause.Error()
	}
	return &StepError{
		Step:    step,
		Unit:    unit,
		Op:      op,
		Message: msg,
		Err:     joinCause(kind, cause),
	}
}

func joinCause(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// DefinitionError describes one problem found while validating a pipeline.
type DefinitionError struct {
	Field   string // e.g. "steps[2].args[0]"
	Message string
}

func (e *DefinitionError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *DefinitionError) Unwrap() error {
	return ErrInvalidDefinition
}
