package definition

import (
	"bytes"
	"fmt"

	"github.com/artpar/deploychain/internal/core/pipeline"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML Document
// =============================================================================

type yamlDocument struct {
	Name     string     `yaml:"name"`
	Requires []string   `yaml:"requires"`
	Steps    []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Name     string       `yaml:"name"`
	Unit     string       `yaml:"unit"`
	Produces string       `yaml:"produces"`
	Args     []yamlArg    `yaml:"args"`
	Wiring   []yamlWiring `yaml:"wiring"`
}

type yamlWiring struct {
	Target    yamlArg    `yaml:"target"`
	Operation string     `yaml:"operation"`
	Args      []yamlArg  `yaml:"args"`
	Policy    string     `yaml:"policy"`
	SkipIf    *yamlGuard `yaml:"skip_if"`
}

type yamlGuard struct {
	Call   string    `yaml:"call"`
	Args   []yamlArg `yaml:"args"`
	Equals yamlArg   `yaml:"equals"`
}

// yamlArg is one argument item: a literal scalar, {key: NAME}, {self: true}
// or {var: NAME}. Variables are substituted after decoding.
type yamlArg struct {
	ref      pipeline.ArgRef
	variable string
	set      bool
}

func (a *yamlArg) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return fmt.Errorf("line %d: %w: null is not a value", node.Line, ErrInvalidArgument)
		}
		a.ref = pipeline.Literal(node.Value)
		a.set = true
		return nil
	case yaml.MappingNode:
		var m struct {
			Key     string  `yaml:"key"`
			Self    bool    `yaml:"self"`
			Var     string  `yaml:"var"`
			Literal *string `yaml:"literal"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		forms := 0
		if m.Key != "" {
			a.ref = pipeline.Key(m.Key)
			forms++
		}
		if m.Self {
			a.ref = pipeline.Self()
			forms++
		}
		if m.Var != "" {
			a.variable = m.Var
			forms++
		}
		if m.Literal != nil {
			a.ref = pipeline.Literal(*m.Literal)
			forms++
		}
		if forms != 1 {
			return fmt.Errorf("line %d: %w: expected exactly one of key, self, var or literal", node.Line, ErrInvalidArgument)
		}
		a.set = true
		return nil
	default:
		return fmt.Errorf("line %d: %w: lists are not arguments", node.Line, ErrInvalidArgument)
	}
}

func (a yamlArg) resolve(field string, vars map[string]string) (pipeline.ArgRef, error) {
	if !a.set {
		return pipeline.ArgRef{}, NewParseError(field, "value is required", ErrInvalidArgument)
	}
	if a.variable == "" {
		return a.ref, nil
	}
	v, ok := vars[a.variable]
	if !ok {
		return pipeline.ArgRef{}, NewParseError(field, fmt.Sprintf("var.%s is not set", a.variable), ErrUndefinedVariable)
	}
	return pipeline.Literal(v), nil
}

func resolveArgs(field string, args []yamlArg, vars map[string]string) ([]pipeline.ArgRef, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]pipeline.ArgRef, len(args))
	for i, a := range args {
		ref, err := a.resolve(fmt.Sprintf("%s[%d]", field, i), vars)
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

// =============================================================================
// Conversion
// =============================================================================

func parseYAML(data []byte, vars map[string]string) (pipeline.Definition, error) {
	var doc yamlDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return pipeline.Definition{}, NewParseError("", err.Error(), ErrInvalidSyntax)
	}

	def := pipeline.Definition{
		Name:     doc.Name,
		Requires: doc.Requires,
		Steps:    make([]pipeline.StepDescriptor, 0, len(doc.Steps)),
	}

	for i, s := range doc.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		args, err := resolveArgs(field+".args", s.Args, vars)
		if err != nil {
			return pipeline.Definition{}, err
		}

		step := pipeline.StepDescriptor{
			Name:     s.Name,
			Unit:     s.Unit,
			Produces: s.Produces,
			Args:     args,
		}

		for j, w := range s.Wiring {
			action, err := w.toAction(fmt.Sprintf("%s.wiring[%d]", field, j), vars)
			if err != nil {
				return pipeline.Definition{}, err
			}
			step.Wiring = append(step.Wiring, action)
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (w yamlWiring) toAction(field string, vars map[string]string) (pipeline.WiringAction, error) {
	target, err := w.Target.resolve(field+".target", vars)
	if err != nil {
		return pipeline.WiringAction{}, err
	}
	args, err := resolveArgs(field+".args", w.Args, vars)
	if err != nil {
		return pipeline.WiringAction{}, err
	}

	action := pipeline.WiringAction{
		Target:    target,
		Operation: w.Operation,
		Args:      args,
		Policy:    pipeline.Policy(w.Policy),
	}

	if w.SkipIf != nil {
		guardArgs, err := resolveArgs(field+".skip_if.args", w.SkipIf.Args, vars)
		if err != nil {
			return pipeline.WiringAction{}, err
		}
		equals, err := w.SkipIf.Equals.resolve(field+".skip_if.equals", vars)
		if err != nil {
			return pipeline.WiringAction{}, err
		}
		action.SkipIf = &pipeline.Guard{Call: w.SkipIf.Call, Args: guardArgs, Equals: equals}
	}
	return action, nil
}
