package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// Definition Validation
// =============================================================================

// Validate checks a pipeline definition before anything is provisioned:
//   - step names and units are set and names are unique
//   - every step produces a key and no two steps produce the same key
//   - every key a step reads is produced by an earlier step or listed in
//     Requires (seeded outside the pipeline)
//   - wiring actions name an operation and carry a known policy
//
// All problems are reported together, joined with errors.Join. Each one
// matches ErrInvalidDefinition.
func Validate(def Definition) error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &DefinitionError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(def.Steps) == 0 {
		fail("steps", "pipeline has no steps")
	}

	available := make(map[string]string) // key -> producer ("" for requires)
	for _, k := range def.Requires {
		available[k] = ""
	}
	producers := Producers(def.Steps)
	names := make(map[string]bool)

	for i, step := range def.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if step.Name == "" {
			fail(field+".name", "step name is required")
		} else if names[step.Name] {
			fail(field+".name", "duplicate step name %q", step.Name)
		}
		names[step.Name] = true

		if step.Unit == "" {
			fail(field+".unit", "unit is required")
		}

		for j, ref := range step.Args {
			f := fmt.Sprintf("%s.args[%d]", field, j)
			if ref.Kind == RefSelf {
				fail(f, "self cannot be used as a constructor argument")
				continue
			}
			checkRef(step.Name, ref, f, available, producers, fail)
		}

		if step.Produces == "" {
			fail(field+".produces", "produced key is required")
		} else if prev, ok := available[step.Produces]; ok {
			if prev == "" {
				fail(field+".produces", "key %q is declared as required input", step.Produces)
			} else {
				fail(field+".produces", "key %q is already produced by step %q", step.Produces, prev)
			}
		} else {
			available[step.Produces] = step.Name
		}

		for j, w := range step.Wiring {
			f := fmt.Sprintf("%s.wiring[%d]", field, j)
			if w.Operation == "" {
				fail(f+".operation", "operation is required")
			}
			if !w.Policy.Valid() {
				fail(f+".policy", "unknown policy %q", w.Policy)
			}
			checkRef(step.Name, w.Target, f+".target", available, producers, fail)
			if w.Target.Kind == RefLiteral && w.Target.Value == "" {
				fail(f+".target", "target is required")
			}
			for k, ref := range w.Args {
				checkRef(step.Name, ref, fmt.Sprintf("%s.args[%d]", f, k), available, producers, fail)
			}
			if w.SkipIf != nil {
				if w.SkipIf.Call == "" {
					fail(f+".skip_if.call", "call is required")
				}
				for k, ref := range w.SkipIf.Args {
					checkRef(step.Name, ref, fmt.Sprintf("%s.skip_if.args[%d]", f, k), available, producers, fail)
				}
				checkRef(step.Name, w.SkipIf.Equals, f+".skip_if.equals", available, producers, fail)
			}
		}
	}

	return errors.Join(errs...)
}

// checkRef reports a key reference of step that is not available yet.
func checkRef(step string, ref ArgRef, field string, available, producers map[string]string, fail func(string, string, ...any)) {
	switch ref.Kind {
	case RefLiteral, RefSelf:
	case RefKey:
		if ref.Value == "" {
			fail(field, "key reference is empty")
			return
		}
		if _, ok := available[ref.Value]; ok {
			return
		}
		if p, ok := producers[ref.Value]; ok {
			if p == step {
				fail(field, "key %q is produced by this step; use self after provisioning or a key from an earlier step", ref.Value)
				return
			}
			fail(field, "key %q is produced by later step %q", ref.Value, p)
			return
		}
		fail(field, "key %q is never produced and not listed in requires", ref.Value)
	default:
		fail(field, "unknown reference kind %q", ref.Kind)
	}
}

// Producers maps each produced key to the name of the step producing it.
// When a key is produced twice the first producer wins.
func Producers(steps []StepDescriptor) map[string]string {
	out := make(map[string]string, len(steps))
	for _, s := range steps {
		if s.Produces == "" {
			continue
		}
		if _, ok := out[s.Produces]; !ok {
			out[s.Produces] = s.Name
		}
	}
	return out
}

// Dependencies returns, for each step, the sorted names of the steps whose
// produced keys it reads. Keys with no producer are ignored.
func Dependencies(steps []StepDescriptor) map[string][]string {
	producers := Producers(steps)
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		seen := make(map[string]bool)
		var list []string
		for _, k := range s.KeyRefs() {
			p, ok := producers[k]
			if !ok || p == s.Name || seen[p] {
				continue
			}
			seen[p] = true
			list = append(list, p)
		}
		sort.Strings(list)
		deps[s.Name] = list
	}
	return deps
}

// =============================================================================
// Step Ordering
// =============================================================================

// TopologicalSort orders steps so each one comes after the producers of the
// keys it reads, using Kahn's algorithm. Ties keep declaration order, so an
// already valid definition is returned unchanged.
//
// Example:
//
//	// market reads TOKEN (from token), token reads ACL (from acl)
//	sorted, err := TopologicalSort([]StepDescriptor{market, token, acl})
//	// sorted: [acl, token, market]
//
// Returns ErrInvalidDefinition if the steps form a cycle.
func TopologicalSort(steps []StepDescriptor) ([]StepDescriptor, error) {
	if len(steps) == 0 {
		return steps, nil
	}

	deps := Dependencies(steps)
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	for _, s := range steps {
		inDegree[s.Name] = len(deps[s.Name])
		for _, d := range deps[s.Name] {
			dependents[d] = append(dependents[d], s.Name)
		}
	}

	byName := make(map[string]StepDescriptor, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	done := make(map[string]bool, len(steps))
	result := make([]StepDescriptor, 0, len(steps))
	for len(result) < len(steps) {
		// Pick the first ready step in declaration order.
		picked := ""
		for _, s := range steps {
			if !done[s.Name] && inDegree[s.Name] == 0 {
				picked = s.Name
				break
			}
		}
		if picked == "" {
			var stuck []string
			for _, s := range steps {
				if !done[s.Name] {
					stuck = append(stuck, s.Name)
				}
			}
			return nil, &DefinitionError{Field: "steps", Message: fmt.Sprintf("dependency cycle between steps %v", stuck)}
		}

		done[picked] = true
		result = append(result, byName[picked])
		for _, d := range dependents[picked] {
			inDegree[d]--
		}
	}

	for i := range result {
		result[i].Position = i
	}
	return result, nil
}

// StartIndex returns the index of the step to resume from. An empty name
// starts at the beginning.
func StartIndex(steps []StepDescriptor, from string) (int, error) {
	if from == "" {
		return 0, nil
	}
	for i, s := range steps {
		if s.Name == from {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStep, from)
}
