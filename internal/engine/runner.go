package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/deploychain/internal/core/domain"
	"github.com/artpar/deploychain/internal/core/pipeline"
	"github.com/artpar/deploychain/internal/shell/store"
)

// =============================================================================
// Runner Options
// =============================================================================

// Options configures a pipeline run.
type Options struct {
	// From names the step to resume from. Earlier steps are skipped and the
	// keys they persisted in a previous run are used as-is.
	From string

	// ProvisionAttempts is how often a step tries to provision its unit.
	// Zero means one attempt.
	ProvisionAttempts int

	// Environment labels the run in the journal.
	Environment string

	// Journal records runs and step outcomes. Nil disables journaling.
	Journal store.Journal

	Logger *slog.Logger
}

// =============================================================================
// Run Result
// =============================================================================

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	Run   *domain.Run
	Steps []*StepResult
}

// Halted reports whether a fatal error stopped the run.
func (r *RunResult) Halted() bool {
	return r.Run.Status == domain.RunStatusHalted
}

// Step returns the result for the named step, or nil if it never started.
func (r *RunResult) Step(name string) *StepResult {
	for _, s := range r.Steps {
		if s.Step == name {
			return s
		}
	}
	return nil
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes pipelines strictly in order, one step at a time.
type Runner struct {
	deployer Deployer
	invoker  Invoker
	opts     Options
	logger   *slog.Logger
}

// NewRunner creates a runner provisioning through deployer and wiring through
// invoker.
func NewRunner(deployer Deployer, invoker Invoker, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		deployer: deployer,
		invoker:  invoker,
		opts:     opts,
		logger:   logger.With("component", "pipeline"),
	}
}

// Run executes def against cs. A step only starts once the previous one has
// completed, with best-effort wiring failures contained. The first fatal
// error halts the run and is returned; the store keeps whatever was flushed
// up to that point.
//
// Run does not reject a definition whose keys are unavailable: a key that is
// missing when a step starts fails that step with ErrUnresolvedDependency.
func (r *Runner) Run(ctx context.Context, def pipeline.Definition, cs store.ConfigStore) (*RunResult, error) {
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("pipeline %s: %w: no steps", def.Name, pipeline.ErrInvalidDefinition)
	}
	start, err := pipeline.StartIndex(def.Steps, r.opts.From)
	if err != nil {
		return nil, err
	}

	run := domain.NewRun(def.Name, r.opts.Environment, r.opts.From)
	if r.opts.Journal != nil {
		if err := r.opts.Journal.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("journal run: %w", err)
		}
	}

	logger := r.logger.With("pipeline", def.Name, "run", run.ID)
	logger.Info("pipeline started", "steps", len(def.Steps), "from", r.opts.From)

	result := &RunResult{Run: run}

	for i, desc := range def.Steps {
		desc.Position = i

		if i < start {
			skipped := r.skip(desc)
			result.Steps = append(result.Steps, skipped)
			r.record(ctx, logger, run.ID, skipped)
			logger.Info("step skipped", "step", desc.Name, "resume_from", r.opts.From)
			continue
		}

		// Halts only happen between steps or on a fatal error inside one.
		if err := ctx.Err(); err != nil {
			return result, r.halt(ctx, logger, run, desc.Name, err)
		}

		step := NewStep(desc, r.deployer, r.invoker, logger).WithAttempts(r.opts.ProvisionAttempts)
		res, err := step.Execute(ctx, cs)
		result.Steps = append(result.Steps, res)
		r.record(ctx, logger, run.ID, res)
		if err != nil {
			return result, r.halt(ctx, logger, run, desc.Name, err)
		}
	}

	if err := run.Succeed(); err != nil {
		return result, err
	}
	r.updateRun(ctx, logger, run)
	logger.Info("pipeline complete", "steps", len(result.Steps))
	return result, nil
}

// skip builds the result of a step bypassed by a manual resume.
func (r *Runner) skip(desc pipeline.StepDescriptor) *StepResult {
	now := time.Now().UTC()
	res := &StepResult{
		Position:   desc.Position,
		Step:       desc.Name,
		Unit:       desc.Unit,
		Key:        desc.Produces,
		Status:     pipeline.StatusSkipped,
		StartedAt:  now,
		FinishedAt: now,
	}
	if tracker, err := pipeline.NewStepTracker(desc.Name); err == nil {
		if err := tracker.Fire(pipeline.EventSkip); err == nil {
			res.Status = tracker.Status()
		}
		tracker.Stop()
	}
	return res
}

func (r *Runner) halt(ctx context.Context, logger *slog.Logger, run *domain.Run, step string, cause error) error {
	logger.Error("pipeline halted", "step", step, "error", cause)
	if err := run.Halt(step, cause); err != nil {
		logger.Warn("run already finished", "error", err)
	}
	r.updateRun(ctx, logger, run)
	return cause
}

func (r *Runner) record(ctx context.Context, logger *slog.Logger, runID string, res *StepResult) {
	if r.opts.Journal == nil {
		return
	}
	if err := r.opts.Journal.RecordStep(context.WithoutCancel(ctx), res.Record(runID)); err != nil {
		logger.Warn("failed to journal step", "step", res.Step, "error", err)
	}
}

func (r *Runner) updateRun(ctx context.Context, logger *slog.Logger, run *domain.Run) {
	if r.opts.Journal == nil {
		return
	}
	if err := r.opts.Journal.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("failed to journal run", "error", err)
	}
}
