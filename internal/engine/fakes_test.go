package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// =============================================================================
// Fake Deployer
// =============================================================================

type provisionCall struct {
	Unit string
	Args []string
}

// fakeDeployer returns "0x<unit>" unless an error is queued for the unit.
type fakeDeployer struct {
	mu        sync.Mutex
	calls     []provisionCall
	addresses map[string]string
	failures  map[string][]error // consumed one per call
	during    func()             // runs inside Provision, before it returns
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{
		addresses: make(map[string]string),
		failures:  make(map[string][]error),
	}
}

func (d *fakeDeployer) failNext(unit string, errs ...error) {
	d.failures[unit] = append(d.failures[unit], errs...)
}

func (d *fakeDeployer) Provision(_ context.Context, unit string, args []string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, provisionCall{Unit: unit, Args: append([]string(nil), args...)})
	if d.during != nil {
		d.during()
	}

	if queued := d.failures[unit]; len(queued) > 0 {
		d.failures[unit] = queued[1:]
		return "", queued[0]
	}
	if addr, ok := d.addresses[unit]; ok {
		return addr, nil
	}
	return "0x" + unit, nil
}

func (d *fakeDeployer) unitsCalled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.Unit
	}
	return out
}

// =============================================================================
// Fake Invoker
// =============================================================================

type invokeCall struct {
	Target    string
	Operation string
	Args      []string
}

type fakeInvoker struct {
	mu       sync.Mutex
	calls    []invokeCall
	failures map[string]error  // by operation
	queries  map[string]string // by call
	queryErr map[string]error  // by call
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		failures: make(map[string]error),
		queries:  make(map[string]string),
		queryErr: make(map[string]error),
	}
}

func (i *fakeInvoker) Invoke(ctx context.Context, target, operation string, args []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	i.calls = append(i.calls, invokeCall{Target: target, Operation: operation, Args: append([]string(nil), args...)})
	return i.failures[operation]
}

func (i *fakeInvoker) Query(_ context.Context, target, call string, _ []string) (string, error) {
	if err := i.queryErr[call]; err != nil {
		return "", err
	}
	v, ok := i.queries[call]
	if !ok {
		return "", fmt.Errorf("%s has no %s", target, call)
	}
	return v, nil
}

func (i *fakeInvoker) operations() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.calls))
	for n, c := range i.calls {
		out[n] = c.Operation
	}
	return out
}

var errRejected = errors.New("execution reverted: caller is not the owner")
