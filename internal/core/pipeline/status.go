package pipeline

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// =============================================================================
// Step Status
// =============================================================================

// StepStatus is the position of a step in its lifecycle.
type StepStatus string

// Machine state IDs. Kept untyped so they can be handed to the statekit builder.
const (
	statePending      = "pending"
	stateResolving    = "resolving"
	stateProvisioning = "provisioning"
	statePersisted    = "persisted"
	stateWiring       = "wiring"
	stateComplete     = "complete"
	stateFailed       = "failed"
	stateSkipped      = "skipped"
)

const (
	StatusPending      StepStatus = statePending
	StatusResolving    StepStatus = stateResolving
	StatusProvisioning StepStatus = stateProvisioning
	StatusPersisted    StepStatus = statePersisted
	StatusWiring       StepStatus = stateWiring
	StatusComplete     StepStatus = stateComplete
	StatusFailed       StepStatus = stateFailed
	StatusSkipped      StepStatus = stateSkipped
)

// Terminal reports whether no further transition is expected in this run.
func (s StepStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusSkipped
}

// Committed reports whether the step's address has reached the store.
func (s StepStatus) Committed() bool {
	return s == StatusPersisted || s == StatusWiring || s == StatusComplete
}

// Events driving the step state machine.
const (
	EventResolve   = "RESOLVE"
	EventProvision = "PROVISION"
	EventPersist   = "PERSIST"
	EventWire      = "WIRE"
	EventComplete  = "COMPLETE"
	EventFail      = "FAIL"
	EventSkip      = "SKIP"
)

// ErrInvalidTransition is returned when an event is not accepted in the
// step's current status.
var ErrInvalidTransition = errors.New("invalid step status transition")

// stepContext is the statekit context carried by each step machine.
type stepContext struct {
	Step string
}

// StepTracker drives one step through
//
//	pending → resolving → provisioning → persisted → wiring → complete
//
// with failure exits from resolving, provisioning, persisted and wiring.
// Terminal states accept no events; a resumed run builds fresh trackers.
type StepTracker struct {
	step   string
	interp *statekit.Interpreter[stepContext]
}

// NewStepTracker builds and starts the state machine for step.
func NewStepTracker(step string) (*StepTracker, error) {
	machine, err := statekit.NewMachine[stepContext]("step-" + step).
		WithInitial(statePending).
		WithContext(stepContext{Step: step}).
		State(statePending).
		On(EventResolve).Target(stateResolving).
		On(EventSkip).Target(stateSkipped).Done().
		State(stateResolving).
		On(EventProvision).Target(stateProvisioning).
		On(EventFail).Target(stateFailed).Done().
		State(stateProvisioning).
		On(EventPersist).Target(statePersisted).
		On(EventFail).Target(stateFailed).Done().
		State(statePersisted).
		On(EventWire).Target(stateWiring).
		On(EventFail).Target(stateFailed).Done().
		State(stateWiring).
		On(EventComplete).Target(stateComplete).
		On(EventFail).Target(stateFailed).Done().
		State(stateComplete).Final().Done().
		State(stateFailed).Final().Done().
		State(stateSkipped).Final().Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build step machine for %s: %w", step, err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &StepTracker{step: step, interp: interp}, nil
}

// Status returns the current status.
func (t *StepTracker) Status() StepStatus {
	return StepStatus(t.interp.State().Value)
}

// Fire sends event and returns an error if the machine did not move.
func (t *StepTracker) Fire(event string) error {
	before := t.Status()
	t.interp.Send(statekit.Event{Type: statekit.EventType(event)})
	if after := t.Status(); after == before {
		return fmt.Errorf("%w: step %s cannot %s from %s", ErrInvalidTransition, t.step, event, before)
	}
	return nil
}

// Stop releases the interpreter.
func (t *StepTracker) Stop() {
	t.interp.Stop()
}
