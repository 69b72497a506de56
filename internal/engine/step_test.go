package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/artpar/deploychain/internal/core/domain"
	"github.com/artpar/deploychain/internal/core/pipeline"
	"github.com/artpar/deploychain/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func betaStep(wiring ...pipeline.WiringAction) pipeline.StepDescriptor {
	return pipeline.StepDescriptor{
		Name:     "B",
		Unit:     "Beta",
		Produces: "BETA_ADDR",
		Args:     []pipeline.ArgRef{pipeline.Key("ALPHA_ADDR"), pipeline.Literal("42")},
		Wiring:   wiring,
	}
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestStep_Execute_PersistsExactAddress(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
	deployer := newFakeDeployer()
	deployer.addresses["Beta"] = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

	res, err := NewStep(betaStep(), deployer, nil, nil).Execute(context.Background(), cs)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusComplete, res.Status)
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", res.Address)
	assert.Equal(t, []provisionCall{{Unit: "Beta", Args: []string{"0xAlpha", "42"}}}, deployer.calls)

	got, err := cs.Get("BETA_ADDR")
	require.NoError(t, err)
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", got)
	assert.Equal(t, got, cs.Flushed()["BETA_ADDR"], "address must be flushed before the step completes")
}

func TestStep_Execute_MissingKey(t *testing.T) {
	cs := store.NewMemoryStore(nil)
	deployer := newFakeDeployer()

	res, err := NewStep(betaStep(), deployer, nil, nil).Execute(context.Background(), cs)
	require.Error(t, err)

	assert.ErrorIs(t, err, pipeline.ErrUnresolvedDependency)
	assert.ErrorIs(t, err, store.ErrMissingKey)
	var stepErr *pipeline.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "B", stepErr.Step)
	assert.Equal(t, "resolve", stepErr.Op)

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Empty(t, deployer.calls)
	assert.Empty(t, cs.Snapshot())
	assert.Zero(t, cs.Flushes())
}

func TestStep_Execute_ProvisioningFailed(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
	deployer := newFakeDeployer()
	deployer.failNext("Beta", errors.New("dial tcp: i/o timeout"))

	logger, logs := bufferLogger()
	res, err := NewStep(betaStep(), deployer, nil, logger).Execute(context.Background(), cs)
	require.Error(t, err)

	assert.ErrorIs(t, err, pipeline.ErrProvisioningFailed)
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	_, getErr := cs.Get("BETA_ADDR")
	assert.ErrorIs(t, getErr, store.ErrMissingKey)
	assert.Len(t, deployer.calls, 1, "no retry by default")
	assert.NotContains(t, logs.String(), "address stays stored")
}

func TestStep_Execute_ProvisionAttempts(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
	deployer := newFakeDeployer()
	deployer.failNext("Beta", errors.New("nonce too low"), errors.New("nonce too low"))

	res, err := NewStep(betaStep(), deployer, nil, nil).WithAttempts(3).Execute(context.Background(), cs)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusComplete, res.Status)
	assert.Len(t, deployer.calls, 3)
}

func TestStep_Execute_EmptyHandle(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
	deployer := newFakeDeployer()
	deployer.addresses["Beta"] = ""

	_, err := NewStep(betaStep(), deployer, nil, nil).Execute(context.Background(), cs)
	assert.ErrorIs(t, err, pipeline.ErrProvisioningFailed)
}

func TestStep_Execute_FlushFailed(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
	cs.FailFlushWith(errors.New("read-only file system"))
	invoker := newFakeInvoker()

	step := betaStep(pipeline.WiringAction{Target: pipeline.Self(), Operation: "initialize", Policy: pipeline.PolicyRequired})
	res, err := NewStep(step, newFakeDeployer(), invoker, nil).Execute(context.Background(), cs)
	require.Error(t, err)

	assert.ErrorIs(t, err, pipeline.ErrPersistFailed)
	assert.ErrorIs(t, err, store.ErrWriteFailed)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Empty(t, res.Address)
	assert.Empty(t, invoker.calls, "wiring never starts before the address is durable")
}

func TestStep_Execute_CancelledDuringProvisionKeepsAddress(t *testing.T) {
	cs, err := store.NewSQLiteStore(":memory:", "dev")
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	require.NoError(t, cs.Set("ALPHA_ADDR", "0xAlpha"))
	require.NoError(t, cs.Flush(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deployer := newFakeDeployer()
	deployer.addresses["Beta"] = "0xDEPLOYED"
	deployer.during = cancel
	invoker := newFakeInvoker()

	step := betaStep(pipeline.WiringAction{Target: pipeline.Self(), Operation: "initialize", Policy: pipeline.PolicyRequired})
	res, err := NewStep(step, deployer, invoker, nil).Execute(ctx, cs)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusComplete, res.Status)

	durable, err := cs.Records(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0xDEPLOYED", durable["BETA_ADDR"])
	assert.Equal(t, []string{"initialize"}, invoker.operations())
}

func TestStep_Execute_BestEffortWiringFailureIsContained(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
	invoker := newFakeInvoker()
	invoker.failures["addOperator"] = errRejected
	logger, logs := bufferLogger()

	step := betaStep(
		pipeline.WiringAction{Target: pipeline.Key("ALPHA_ADDR"), Operation: "addOperator", Args: []pipeline.ArgRef{pipeline.Self()}, Policy: pipeline.PolicyBestEffort},
		pipeline.WiringAction{Target: pipeline.Self(), Operation: "setFee", Args: []pipeline.ArgRef{pipeline.Literal("250")}, Policy: pipeline.PolicyBestEffort},
	)
	res, err := NewStep(step, newFakeDeployer(), invoker, logger).Execute(context.Background(), cs)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusComplete, res.Status)
	assert.Equal(t, []string{"addOperator", "setFee"}, invoker.operations())
	assert.Equal(t, invokeCall{Target: "0xAlpha", Operation: "addOperator", Args: []string{"0xBeta"}}, invoker.calls[0])
	assert.Equal(t, invokeCall{Target: "0xBeta", Operation: "setFee", Args: []string{"250"}}, invoker.calls[1])

	require.Len(t, res.Wiring, 2)
	assert.Equal(t, domain.WiringFailed, res.Wiring[0].Outcome)
	assert.Contains(t, res.Wiring[0].Error, "caller is not the owner")
	assert.Equal(t, domain.WiringApplied, res.Wiring[1].Outcome)

	assert.Contains(t, logs.String(), "wiring failed, continuing")
	assert.Contains(t, logs.String(), "addOperator on config.ALPHA_ADDR")
	assert.Equal(t, "0xBeta", cs.Flushed()["BETA_ADDR"])
}

func TestStep_Execute_RequiredWiringFailureKeepsAddress(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
	invoker := newFakeInvoker()
	invoker.failures["initialize"] = errRejected

	step := betaStep(
		pipeline.WiringAction{Target: pipeline.Self(), Operation: "initialize", Policy: pipeline.PolicyRequired},
		pipeline.WiringAction{Target: pipeline.Self(), Operation: "never", Policy: pipeline.PolicyBestEffort},
	)
	logger, logs := bufferLogger()
	res, err := NewStep(step, newFakeDeployer(), invoker, logger).Execute(context.Background(), cs)
	require.Error(t, err)

	assert.ErrorIs(t, err, pipeline.ErrWiringFailed)
	var stepErr *pipeline.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "initialize", stepErr.Op)

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, []string{"initialize"}, invoker.operations(), "actions after a required failure do not run")
	assert.Equal(t, "0xBeta", cs.Flushed()["BETA_ADDR"], "no rollback of the persisted address")
	assert.Contains(t, logs.String(), "address stays stored")
	assert.NotContains(t, logs.String(), "outside a terminal status")
}

func TestStep_Execute_WiringUnresolvedTarget(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
	invoker := newFakeInvoker()

	step := betaStep(pipeline.WiringAction{Target: pipeline.Key("GAMMA_ADDR"), Operation: "grant", Policy: pipeline.PolicyBestEffort})
	res, err := NewStep(step, newFakeDeployer(), invoker, nil).Execute(context.Background(), cs)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusComplete, res.Status)
	require.Len(t, res.Wiring, 1)
	assert.Equal(t, domain.WiringFailed, res.Wiring[0].Outcome)
	assert.Empty(t, invoker.calls)
}

func TestStep_Execute_NoInvoker(t *testing.T) {
	cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})

	step := betaStep(pipeline.WiringAction{Target: pipeline.Self(), Operation: "initialize", Policy: pipeline.PolicyRequired})
	_, err := NewStep(step, newFakeDeployer(), nil, nil).Execute(context.Background(), cs)
	assert.ErrorIs(t, err, pipeline.ErrWiringFailed)
}

func TestStep_Execute_Guard(t *testing.T) {
	guarded := pipeline.WiringAction{
		Target:    pipeline.Key("ALPHA_ADDR"),
		Operation: "setManagerPoolPermission",
		Args:      []pipeline.ArgRef{pipeline.Self()},
		Policy:    pipeline.PolicyBestEffort,
		SkipIf:    &pipeline.Guard{Call: "managerPool", Equals: pipeline.Self()},
	}

	tests := []struct {
		name        string
		query       string
		queryErr    error
		wantOutcome domain.WiringOutcome
		wantInvoked bool
	}{
		{name: "already applied, case differs", query: "0XBETA", wantOutcome: domain.WiringSkipped},
		{name: "different value", query: "0x0000000000000000000000000000000000000000", wantOutcome: domain.WiringApplied, wantInvoked: true},
		{name: "query fails", queryErr: errRejected, wantOutcome: domain.WiringFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := store.NewMemoryStore(map[string]string{"ALPHA_ADDR": "0xAlpha"})
			invoker := newFakeInvoker()
			invoker.queries["managerPool"] = tt.query
			if tt.queryErr != nil {
				invoker.queryErr["managerPool"] = tt.queryErr
			}

			res, err := NewStep(betaStep(guarded), newFakeDeployer(), invoker, nil).Execute(context.Background(), cs)
			require.NoError(t, err)
			require.Len(t, res.Wiring, 1)
			assert.Equal(t, tt.wantOutcome, res.Wiring[0].Outcome)
			assert.Equal(t, tt.wantInvoked, len(invoker.calls) == 1)
		})
	}
}

func TestStepResult_Record(t *testing.T) {
	res := &StepResult{
		Position: 2, Step: "B", Unit: "Beta", Key: "BETA_ADDR",
		Status: pipeline.StatusFailed,
		Err:    pipeline.NewStepError("B", "Beta", "provision", pipeline.ErrProvisioningFailed, errRejected),
	}

	rec := res.Record("run-1")
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, "failed", rec.Status)
	assert.Contains(t, rec.Error, "step B (Beta) provision")
}
