package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Errors
// =============================================================================

// ErrRunFinished is returned when finishing a run twice.
var ErrRunFinished = errors.New("run already finished")

// =============================================================================
// Run Status
// =============================================================================

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusHalted    RunStatus = "halted"
)

// =============================================================================
// Run
// =============================================================================

// Run is one invocation of a pipeline against an environment.
type Run struct {
	ID          string     `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Environment string     `json:"environment"`
	From        string     `json:"from,omitempty"` // Step the run was resumed from
	Status      RunStatus  `json:"status"`
	HaltedAt    string     `json:"halted_at,omitempty"` // Step that halted the run
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a running run record.
func NewRun(pipeline, environment, from string) *Run {
	return &Run{
		ID:          uuid.New().String(),
		Pipeline:    pipeline,
		Environment: environment,
		From:        from,
		Status:      RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
}

// Succeed marks the run as finished without a halt.
func (r *Run) Succeed() error {
	if r.Status != RunStatusRunning {
		return ErrRunFinished
	}
	now := time.Now().UTC()
	r.Status = RunStatusSucceeded
	r.FinishedAt = &now
	return nil
}

// Halt marks the run as stopped by a fatal error at step.
func (r *Run) Halt(step string, cause error) error {
	if r.Status != RunStatusRunning {
		return ErrRunFinished
	}
	now := time.Now().UTC()
	r.Status = RunStatusHalted
	r.HaltedAt = step
	if cause != nil {
		r.Error = cause.Error()
	}
	r.FinishedAt = &now
	return nil
}

// =============================================================================
// Step Records
// =============================================================================

// WiringOutcome is what happened to one wiring action.
type WiringOutcome string

const (
	WiringApplied WiringOutcome = "applied"
	WiringSkipped WiringOutcome = "skipped" // guard reported it as already applied
	WiringFailed  WiringOutcome = "failed"
)

// WiringRecord is the result of one wiring action within a step.
type WiringRecord struct {
	Operation string        `json:"operation"`
	Target    string        `json:"target"`
	Policy    string        `json:"policy"`
	Outcome   WiringOutcome `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// StepRecord is the journaled outcome of one step within a run.
type StepRecord struct {
	RunID      string         `json:"run_id"`
	Position   int            `json:"position"`
	Step       string         `json:"step"`
	Unit       string         `json:"unit"`
	Status     string         `json:"status"`
	Key        string         `json:"key,omitempty"`
	Address    string         `json:"address,omitempty"`
	Wiring     []WiringRecord `json:"wiring,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// FailedWiring counts contained and fatal wiring failures.
func (s StepRecord) FailedWiring() int {
	n := 0
	for _, w := range s.Wiring {
		if w.Outcome == WiringFailed {
			n++
		}
	}
	return n
}
