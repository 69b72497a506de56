package pipeline

import "fmt"

// =============================================================================
// Argument References
// =============================================================================

// RefKind identifies how an argument reference is resolved.
type RefKind string

const (
	// RefLiteral is passed through unchanged.
	RefLiteral RefKind = "literal"
	// RefKey is looked up in the config store.
	RefKey RefKind = "key"
	// RefSelf resolves to the handle of the unit the current step just provisioned.
	RefSelf RefKind = "self"
)

// ArgRef is a single constructor or operation argument.
type ArgRef struct {
	Kind  RefKind `json:"kind" yaml:"kind"`
	Value string  `json:"value,omitempty" yaml:"value,omitempty"` // literal value or store key
}

// Literal returns a reference that resolves to v.
func Literal(v string) ArgRef {
	return ArgRef{Kind: RefLiteral, Value: v}
}

// Key returns a reference that resolves to the stored value of key.
func Key(key string) ArgRef {
	return ArgRef{Kind: RefKey, Value: key}
}

// Self returns a reference to the handle created by the current step.
func Self() ArgRef {
	return ArgRef{Kind: RefSelf}
}

// String renders the reference the way definitions and logs show it.
func (r ArgRef) String() string {
	switch r.Kind {
	case RefKey:
		return "config." + r.Value
	case RefSelf:
		return "self"
	default:
		return fmt.Sprintf("%q", r.Value)
	}
}

// =============================================================================
// Wiring
// =============================================================================

// Policy decides whether a wiring failure is absorbed or halts the pipeline.
type Policy string

const (
	PolicyBestEffort Policy = "best-effort"
	PolicyRequired   Policy = "required"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyBestEffort || p == PolicyRequired
}

// Guard makes a wiring action idempotent: the action is skipped when the
// target already reports the expected value for Call.
type Guard struct {
	Call   string   `json:"call" yaml:"call"`
	Args   []ArgRef `json:"args,omitempty" yaml:"args,omitempty"`
	Equals ArgRef   `json:"equals" yaml:"equals"`
}

// WiringAction is a post-deploy operation issued against a live unit.
type WiringAction struct {
	Target    ArgRef   `json:"target" yaml:"target"`
	Operation string   `json:"operation" yaml:"operation"`
	Args      []ArgRef `json:"args,omitempty" yaml:"args,omitempty"`
	Policy    Policy   `json:"policy" yaml:"policy"`
	SkipIf    *Guard   `json:"skip_if,omitempty" yaml:"skip_if,omitempty"`
}

// Describe returns a short human label, e.g. "addOperator on config.UIT_NFT_TOKEN_ADDRESS".
func (w WiringAction) Describe() string {
	return fmt.Sprintf("%s on %s", w.Operation, w.Target)
}

// =============================================================================
// Steps
// =============================================================================

// StepDescriptor is the static definition of one pipeline step.
type StepDescriptor struct {
	Position int            `json:"position" yaml:"position"`
	Name     string         `json:"name" yaml:"name"`
	Unit     string         `json:"unit" yaml:"unit"`
	Produces string         `json:"produces" yaml:"produces"`
	Args     []ArgRef       `json:"args,omitempty" yaml:"args,omitempty"`
	Wiring   []WiringAction `json:"wiring,omitempty" yaml:"wiring,omitempty"`
}

// KeyRefs returns every store key the step reads, constructor arguments
// first, then wiring targets, arguments and guards, in declaration order.
func (s StepDescriptor) KeyRefs() []string {
	var keys []string
	add := func(refs ...ArgRef) {
		for _, r := range refs {
			if r.Kind == RefKey {
				keys = append(keys, r.Value)
			}
		}
	}
	add(s.Args...)
	for _, w := range s.Wiring {
		add(w.Target)
		add(w.Args...)
		if w.SkipIf != nil {
			add(w.SkipIf.Args...)
			add(w.SkipIf.Equals)
		}
	}
	return keys
}

// Definition is a complete pipeline: its ordered steps plus the keys it
// expects to find already seeded in the store.
type Definition struct {
	Name     string           `json:"name" yaml:"name"`
	Requires []string         `json:"requires,omitempty" yaml:"requires,omitempty"`
	Steps    []StepDescriptor `json:"steps" yaml:"steps"`
}
