package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/deploychain/internal/core/domain"
	"github.com/artpar/deploychain/internal/core/pipeline"
	"github.com/artpar/deploychain/internal/shell/store"
)

// =============================================================================
// Backend Contracts
// =============================================================================

// Deployer provisions one unit and returns its live handle (an address or
// identifier). Provision is not idempotent and never retries on its own.
type Deployer interface {
	Provision(ctx context.Context, unit string, args []string) (string, error)
}

// Invoker runs post-deploy operations against live handles with the
// backend's configured caller identity.
type Invoker interface {
	// Invoke runs operation on target and reports whether it succeeded.
	Invoke(ctx context.Context, target, operation string, args []string) error
	// Query runs a read-only call on target and returns its result as text.
	Query(ctx context.Context, target, call string, args []string) (string, error)
}

// errNoInvoker is returned for wiring when the backend has no invoker.
var errNoInvoker = errors.New("no invoker configured")

// =============================================================================
// Step Result
// =============================================================================

// StepResult is the outcome of executing (or skipping) one step.
type StepResult struct {
	Position   int
	Step       string
	Unit       string
	Key        string
	Address    string
	Status     pipeline.StepStatus
	Wiring     []domain.WiringRecord
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Record converts the result into a journal entry for run runID.
func (r *StepResult) Record(runID string) *domain.StepRecord {
	rec := &domain.StepRecord{
		RunID:      runID,
		Position:   r.Position,
		Step:       r.Step,
		Unit:       r.Unit,
		Status:     string(r.Status),
		Key:        r.Key,
		Address:    r.Address,
		Wiring:     r.Wiring,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// =============================================================================
// Step
// =============================================================================

// Step executes one StepDescriptor:
//
//  1. resolve constructor arguments from the store
//  2. provision the unit
//  3. persist the handle under the produced key and flush
//  4. run the wiring actions in order
//
// A missing key stops the step before anything is provisioned or written.
// Once the flush succeeds the address stays committed whatever wiring does.
type Step struct {
	desc     pipeline.StepDescriptor
	deployer Deployer
	invoker  Invoker
	attempts int
	logger   *slog.Logger
}

// NewStep creates a step. invoker may be nil when the step has no wiring.
func NewStep(desc pipeline.StepDescriptor, deployer Deployer, invoker Invoker, logger *slog.Logger) *Step {
	if logger == nil {
		logger = slog.Default()
	}
	return &Step{
		desc:     desc,
		deployer: deployer,
		invoker:  invoker,
		attempts: 1,
		logger:   logger.With("step", desc.Name, "unit", desc.Unit),
	}
}

// WithAttempts sets how many times provisioning is tried before the step
// fails. Values below 1 mean a single attempt.
func (s *Step) WithAttempts(n int) *Step {
	if n < 1 {
		n = 1
	}
	s.attempts = n
	return s
}

// Execute runs the step against cs. The returned error is a *pipeline.StepError
// for every fatal failure; contained wiring failures only show up in the
// result.
func (s *Step) Execute(ctx context.Context, cs store.ConfigStore) (*StepResult, error) {
	res := &StepResult{
		Position:  s.desc.Position,
		Step:      s.desc.Name,
		Unit:      s.desc.Unit,
		Key:       s.desc.Produces,
		Status:    pipeline.StatusPending,
		StartedAt: time.Now().UTC(),
	}

	tracker, err := pipeline.NewStepTracker(s.desc.Name)
	if err != nil {
		return s.finish(res, nil, err)
	}
	defer tracker.Stop()

	s.logger.Info("step started", "position", s.desc.Position)

	// Resolving
	s.advance(tracker, res, pipeline.EventResolve)
	resolver := pipeline.NewResolver(cs.Get)
	args, err := resolver.ResolveAll(s.desc.Args)
	if err != nil {
		return s.fail(tracker, res, "resolve", pipeline.ErrUnresolvedDependency, err)
	}

	// Provisioning
	s.advance(tracker, res, pipeline.EventProvision)
	address, err := s.provision(ctx, args)
	if err != nil {
		return s.fail(tracker, res, "provision", pipeline.ErrProvisioningFailed, err)
	}
	s.logger.Info("unit provisioned", "address", address)

	// The unit exists now; cancelling ctx must not lose its address or leave
	// its wiring half applied. Only the runner stops between steps.
	committed := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		s.logger.Warn("cancellation requested, finishing step for provisioned unit", "address", address)
	}

	// Persisting
	if prev, err := cs.Get(s.desc.Produces); err == nil && prev != address {
		s.logger.Warn("replacing address from an earlier run", "key", s.desc.Produces, "previous", prev)
	}
	if err := cs.Set(s.desc.Produces, address); err != nil {
		return s.fail(tracker, res, "persist", pipeline.ErrPersistFailed, err)
	}
	if err := cs.Flush(committed); err != nil {
		return s.fail(tracker, res, "flush", pipeline.ErrPersistFailed, err)
	}
	res.Address = address
	s.advance(tracker, res, pipeline.EventPersist)
	s.logger.Info("address persisted", "key", s.desc.Produces)

	// Wiring
	s.advance(tracker, res, pipeline.EventWire)
	wiringResolver := resolver.WithSelf(address)
	for _, action := range s.desc.Wiring {
		rec, err := s.wire(committed, wiringResolver, action)
		res.Wiring = append(res.Wiring, rec)
		if err == nil {
			continue
		}
		if action.Policy == pipeline.PolicyRequired {
			return s.fail(tracker, res, action.Operation, pipeline.ErrWiringFailed, err)
		}
		s.logger.Warn("wiring failed, continuing",
			"action", action.Describe(),
			"policy", string(action.Policy),
			"error", err,
		)
	}

	s.advance(tracker, res, pipeline.EventComplete)
	s.logger.Info("step complete", "address", address, "wiring", len(res.Wiring))
	return s.finish(res, tracker, nil)
}

// provision calls the deployer up to s.attempts times.
func (s *Step) provision(ctx context.Context, args []string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		address, err := s.deployer.Provision(ctx, s.desc.Unit, args)
		if err == nil && address == "" {
			err = errors.New("deployer returned an empty handle")
		}
		if err == nil {
			return address, nil
		}
		lastErr = err
		if attempt < s.attempts {
			s.logger.Warn("provisioning attempt failed", "attempt", attempt, "of", s.attempts, "error", err)
		}
	}
	return "", lastErr
}

// wire runs one action. A guard whose query matches the expected value skips
// the action as already applied.
func (s *Step) wire(ctx context.Context, r pipeline.Resolver, action pipeline.WiringAction) (domain.WiringRecord, error) {
	rec := domain.WiringRecord{
		Operation: action.Operation,
		Target:    action.Target.String(),
		Policy:    string(action.Policy),
	}
	failed := func(err error) (domain.WiringRecord, error) {
		rec.Outcome = domain.WiringFailed
		rec.Error = err.Error()
		return rec, err
	}

	if s.invoker == nil {
		return failed(errNoInvoker)
	}

	target, err := r.Resolve(action.Target)
	if err != nil {
		return failed(fmt.Errorf("target: %w", err))
	}
	args, err := r.ResolveAll(action.Args)
	if err != nil {
		return failed(err)
	}

	if action.SkipIf != nil {
		applied, err := s.guardSatisfied(ctx, r, target, action.SkipIf)
		if err != nil {
			return failed(fmt.Errorf("skip_if %s: %w", action.SkipIf.Call, err))
		}
		if applied {
			rec.Outcome = domain.WiringSkipped
			s.logger.Info("wiring already applied", "operation", action.Operation, "target", target)
			return rec, nil
		}
	}

	if err := s.invoker.Invoke(ctx, target, action.Operation, args); err != nil {
		return failed(err)
	}
	rec.Outcome = domain.WiringApplied
	s.logger.Info("wiring applied", "operation", action.Operation, "target", target)
	return rec, nil
}

func (s *Step) guardSatisfied(ctx context.Context, r pipeline.Resolver, target string, g *pipeline.Guard) (bool, error) {
	args, err := r.ResolveAll(g.Args)
	if err != nil {
		return false, err
	}
	want, err := r.Resolve(g.Equals)
	if err != nil {
		return false, err
	}
	got, err := s.invoker.Query(ctx, target, g.Call, args)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)), nil
}

// advance fires event on the tracker and mirrors the new status into res.
func (s *Step) advance(tracker *pipeline.StepTracker, res *StepResult, event string) {
	if err := tracker.Fire(event); err != nil {
		s.logger.Error("step state machine rejected event", "event", event, "error", err)
	}
	res.Status = tracker.Status()
}

func (s *Step) fail(tracker *pipeline.StepTracker, res *StepResult, op string, kind, cause error) (*StepResult, error) {
	stepErr := pipeline.NewStepError(s.desc.Name, s.desc.Unit, op, kind, cause)
	committed := res.Status.Committed()
	s.advance(tracker, res, pipeline.EventFail)
	s.logger.Error("step failed", "operation", op, "error", cause, "status", string(res.Status))
	if committed {
		s.logger.Warn("address stays stored; resume from this step re-provisions the unit",
			"key", s.desc.Produces, "address", res.Address)
	}
	return s.finish(res, tracker, stepErr)
}

func (s *Step) finish(res *StepResult, tracker *pipeline.StepTracker, err error) (*StepResult, error) {
	if tracker != nil {
		res.Status = tracker.Status()
		if !res.Status.Terminal() {
			s.logger.Error("step ended outside a terminal status", "status", string(res.Status))
		}
	}
	res.Err = err
	res.FinishedAt = time.Now().UTC()
	return res, err
}
