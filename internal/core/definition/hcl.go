package definition

import (
	"fmt"

	"github.com/artpar/deploychain/internal/core/pipeline"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// =============================================================================
// HCL Document
// =============================================================================

// hclDocument decodes every top-level construct of a definition file.
//
//	name     = "marketplace"
//	requires = ["MNEMONIC"]
//
//	step "Marketplace" {
//	  produces = "MARKETPLACE_ADDRESS"
//	  args     = [config.ACCESS_CONTROL_ADDRESS, var.fee]
//
//	  wire "addOperator" {
//	    target = config.ACCESS_CONTROL_ADDRESS
//	    args   = [self]
//	    policy = "best-effort"
//	  }
//	}
type hclDocument struct {
	Name     string    `hcl:"name,optional"`
	Requires []string  `hcl:"requires,optional"`
	Steps    []hclStep `hcl:"step,block"`
}

type hclStep struct {
	Name     string         `hcl:"name,label"`
	Unit     string         `hcl:"unit,optional"`
	Produces string         `hcl:"produces"`
	Args     hcl.Expression `hcl:"args,optional"`
	Wires    []hclWire      `hcl:"wire,block"`
}

type hclWire struct {
	Operation string         `hcl:"operation,label"`
	Target    hcl.Expression `hcl:"target"`
	Args      hcl.Expression `hcl:"args,optional"`
	Policy    string         `hcl:"policy,optional"`
	SkipIf    *hclGuard      `hcl:"skip_if,block"`
}

type hclGuard struct {
	Call   string         `hcl:"call"`
	Args   hcl.Expression `hcl:"args,optional"`
	Equals hcl.Expression `hcl:"equals"`
}

// Root names with special meaning inside argument expressions.
const (
	rootConfig = "config"
	rootSelf   = "self"
	rootVar    = "var"
)

func evalContext(vars map[string]string) *hcl.EvalContext {
	values := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		values[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			rootVar: cty.ObjectVal(values),
		},
	}
}

// =============================================================================
// Conversion
// =============================================================================

func parseHCL(source string, data []byte, vars map[string]string) (pipeline.Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, source)
	if diags.HasErrors() {
		return pipeline.Definition{}, NewParseError(source, diags.Error(), ErrInvalidSyntax)
	}

	ctx := evalContext(vars)

	var doc hclDocument
	if diags := gohcl.DecodeBody(file.Body, ctx, &doc); diags.HasErrors() {
		return pipeline.Definition{}, NewParseError(source, diags.Error(), ErrInvalidSyntax)
	}

	def := pipeline.Definition{
		Name:     doc.Name,
		Requires: doc.Requires,
		Steps:    make([]pipeline.StepDescriptor, 0, len(doc.Steps)),
	}

	for _, s := range doc.Steps {
		field := fmt.Sprintf("step %q", s.Name)
		args, err := exprArgs(field+" args", s.Args, ctx)
		if err != nil {
			return pipeline.Definition{}, err
		}

		step := pipeline.StepDescriptor{
			Name:     s.Name,
			Unit:     s.Unit,
			Produces: s.Produces,
			Args:     args,
		}
		for _, w := range s.Wires {
			action, err := w.toAction(fmt.Sprintf("%s wire %q", field, w.Operation), ctx)
			if err != nil {
				return pipeline.Definition{}, err
			}
			step.Wiring = append(step.Wiring, action)
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (w hclWire) toAction(field string, ctx *hcl.EvalContext) (pipeline.WiringAction, error) {
	target, err := exprArg(field+" target", w.Target, ctx)
	if err != nil {
		return pipeline.WiringAction{}, err
	}
	args, err := exprArgs(field+" args", w.Args, ctx)
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
		guardArgs, err := exprArgs(field+" skip_if args", w.SkipIf.Args, ctx)
		if err != nil {
			return pipeline.WiringAction{}, err
		}
		equals, err := exprArg(field+" skip_if equals", w.SkipIf.Equals, ctx)
		if err != nil {
			return pipeline.WiringAction{}, err
		}
		action.SkipIf = &pipeline.Guard{Call: w.SkipIf.Call, Args: guardArgs, Equals: equals}
	}
	return action, nil
}

// isAbsent reports whether an optional attribute was left out. gohcl fills
// missing hcl.Expression fields with a static null.
func isAbsent(expr hcl.Expression) bool {
	if expr == nil {
		return true
	}
	if len(expr.Variables()) > 0 {
		return false
	}
	v, diags := expr.Value(nil)
	return !diags.HasErrors() && v.IsNull()
}

func exprArgs(field string, expr hcl.Expression, ctx *hcl.EvalContext) ([]pipeline.ArgRef, error) {
	if isAbsent(expr) {
		return nil, nil
	}
	items, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, NewParseError(field, diags.Error(), ErrInvalidArgument)
	}
	if len(items) == 0 {
		return nil, nil
	}

	out := make([]pipeline.ArgRef, len(items))
	for i, item := range items {
		ref, err := exprArg(fmt.Sprintf("%s[%d]", field, i), item, ctx)
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

// exprArg turns one expression into an argument reference: config.KEY is a
// store lookup, self is the handle being created, anything else is evaluated
// (with var.<name> in scope) and must produce a scalar.
func exprArg(field string, expr hcl.Expression, ctx *hcl.EvalContext) (pipeline.ArgRef, error) {
	if isAbsent(expr) {
		return pipeline.ArgRef{}, NewParseError(field, "value is required", ErrInvalidArgument)
	}

	if traversal, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() {
		switch traversal.RootName() {
		case rootSelf:
			if len(traversal) != 1 {
				return pipeline.ArgRef{}, NewParseError(field, "self takes no attributes", ErrInvalidArgument)
			}
			return pipeline.Self(), nil
		case rootConfig:
			attr, ok := singleAttr(traversal)
			if !ok {
				return pipeline.ArgRef{}, NewParseError(field, "expected config.<KEY>", ErrInvalidArgument)
			}
			return pipeline.Key(attr), nil
		case rootVar:
			attr, ok := singleAttr(traversal)
			if !ok {
				return pipeline.ArgRef{}, NewParseError(field, "expected var.<name>", ErrInvalidArgument)
			}
			if !ctx.Variables[rootVar].Type().HasAttribute(attr) {
				return pipeline.ArgRef{}, NewParseError(field, fmt.Sprintf("var.%s is not set", attr), ErrUndefinedVariable)
			}
		}
	}

	v, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return pipeline.ArgRef{}, NewParseError(field, diags.Error(), ErrInvalidArgument)
	}
	if v.IsNull() || !v.IsKnown() {
		return pipeline.ArgRef{}, NewParseError(field, "value must be known and not null", ErrInvalidArgument)
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return pipeline.ArgRef{}, NewParseError(field, "value must be a string, number or bool", ErrInvalidArgument)
	}
	return pipeline.Literal(s.AsString()), nil
}

func singleAttr(t hcl.Traversal) (string, bool) {
	if len(t) != 2 {
		return "", false
	}
	attr, ok := t[1].(hcl.TraverseAttr)
	if !ok {
		return "", false
	}
	return attr.Name, true
}
