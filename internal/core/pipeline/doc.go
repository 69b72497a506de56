// Package pipeline provides the pure model of a dependency-ordered
// deployment pipeline.
//
// Nothing in this package performs I/O. It describes steps, checks that a
// definition can run in its declared order, resolves argument references
// against a lookup function, and tracks each step's lifecycle.
//
// # Functions
//
//   - Validation: Check names, produced keys and references (Validate)
//   - Ordering: Derive a dependency order (TopologicalSort, Dependencies)
//   - Resume: Locate the step to restart from (StartIndex)
//   - Resolution: Turn references into values (Resolver)
//   - Lifecycle: Drive step status transitions (StepTracker)
//
// # Usage
//
// The engine (internal/engine) validates a definition, then executes each
// step against a config store and a deployer.
//
//	if err := pipeline.Validate(def); err != nil {
//	    return err
//	}
//	args, err := pipeline.NewResolver(store.Get).ResolveAll(step.Args)
package pipeline
