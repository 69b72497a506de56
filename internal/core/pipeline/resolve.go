package pipeline

import "fmt"

// Lookup reads a key from the config store. It must return an error for
// unset keys; an unset key is never treated as an empty value.
type Lookup func(key string) (string, error)

// Resolver turns argument references into concrete values.
type Resolver struct {
	lookup Lookup
	self   string
}

// NewResolver creates a resolver reading keys through lookup.
func NewResolver(lookup Lookup) Resolver {
	return Resolver{lookup: lookup}
}

// WithSelf returns a resolver that resolves RefSelf to handle.
func (r Resolver) WithSelf(handle string) Resolver {
	r.self = handle
	return r
}

// Resolve resolves one reference.
func (r Resolver) Resolve(ref ArgRef) (string, error) {
	switch ref.Kind {
	case RefLiteral:
		return ref.Value, nil
	case RefKey:
		v, err := r.lookup(ref.Value)
		if err != nil {
			return "", fmt.Errorf("%s: %w", ref, err)
		}
		return v, nil
	case RefSelf:
		if r.self == "" {
			return "", fmt.Errorf("self: %w: no unit provisioned yet", ErrUnresolvedDependency)
		}
		return r.self, nil
	default:
		return "", fmt.Errorf("unknown reference kind %q", ref.Kind)
	}
}

// ResolveAll resolves refs in order, stopping at the first failure.
func (r Resolver) ResolveAll(refs []ArgRef) ([]string, error) {
	out := make([]string, 0, len(refs))
	for i, ref := range refs {
		v, err := r.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
