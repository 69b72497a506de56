package store

import (
	"context"

	"github.com/artpar/deploychain/internal/core/domain"
)

// =============================================================================
// ConfigStore Interface
// =============================================================================

// ConfigStore is the durable key → address mapping shared by pipeline steps.
//
// Get and Set work on the in-memory view. Flush writes the whole mapping to
// durable storage and returns only once it is there. A single pipeline owns a
// store at a time; running two pipelines against one store is unsupported.
type ConfigStore interface {
	// Get returns the value for key, or an error matching ErrMissingKey.
	Get(key string) (string, error)

	// Set inserts or overwrites key.
	Set(key, value string) error

	// Flush durably persists the full current mapping.
	Flush(ctx context.Context) error

	// Snapshot returns a copy of the current mapping.
	Snapshot() map[string]string
}

// =============================================================================
// Journal Interface
// =============================================================================

// Journal records pipeline runs and step outcomes.
type Journal interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]domain.Run, error)

	RecordStep(ctx context.Context, rec *domain.StepRecord) error
	ListStepRecords(ctx context.Context, runID string) ([]domain.StepRecord, error)
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
