package function

import (
	"context"
	"fmt"

	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/value"
)

// Relation selects the targets an input is requested on, relative to the
// function's own target.
type Relation int

const (
	Self Relation = iota
	// OnSecurity maps a position to its security.
	OnSecurity
	// OnChildren maps a node to its child nodes.
	OnChildren
	// OnPositions maps a node to its positions.
	OnPositions
)

// Output declares one value a Static function produces.
type Output struct {
	Name       string
	Properties value.Properties
	// PropertiesFor overrides Properties per target when set.
	PropertiesFor func(target value.ComputationTarget) value.Properties
}

// Input declares one value a Static function consumes.
type Input struct {
	Name        string
	Relation    Relation
	Constraints value.Properties
	// Propagate copies these properties from the desired output into the
	// input constraints when the output has a single concrete value for them.
	Propagate []string
}

// EvaluateFunc computes the outputs of a Static function keyed by name.
type EvaluateFunc func(ctx context.Context, target value.ComputationTarget, inputs Inputs) (map[string]any, error)

// Static is a declarative function. Every desired output needs the same
// declared inputs.
type Static struct {
	FunctionID string
	Target     value.TargetType
	Outputs    []Output
	Inputs     []Input
	// AppliesTo narrows the targets of Target type; nil means all.
	AppliesTo func(target value.ComputationTarget) bool
	Evaluate  EvaluateFunc
}

var _ Function = (*Static)(nil)

func (s *Static) ID() string                   { return s.FunctionID }
func (s *Static) Kind() Kind                   { return KindCompute }
func (s *Static) TargetType() value.TargetType { return s.Target }

func (s *Static) CanApplyTo(target value.ComputationTarget) bool {
	if target.Type() != s.Target {
		return false
	}
	return s.AppliesTo == nil || s.AppliesTo(target)
}

func (s *Static) Results(target value.ComputationTarget) []value.ValueSpecification {
	out := make([]value.ValueSpecification, 0, len(s.Outputs))
	for _, o := range s.Outputs {
		props := o.Properties
		if o.PropertiesFor != nil {
			props = o.PropertiesFor(target)
		}
		out = append(out, value.NewSpecification(o.Name, target.Spec, s.FunctionID, props))
	}
	return out
}

func (s *Static) Requirements(target value.ComputationTarget, desired value.ValueSpecification) ([]value.ValueRequirement, bool) {
	if !s.produces(desired.Name) {
		return nil, false
	}
	var reqs []value.ValueRequirement
	for _, in := range s.Inputs {
		constraints := in.Constraints
		for _, name := range in.Propagate {
			if v, ok := desired.Properties.Value(name); ok {
				constraints = constraints.With(name, v)
			}
		}
		targets, ok := related(target, in.Relation)
		if !ok {
			return nil, false
		}
		for _, t := range targets {
			reqs = append(reqs, value.NewRequirement(in.Name, t, constraints))
		}
	}
	return reqs, true
}

func (s *Static) Execute(ctx context.Context, target value.ComputationTarget, inputs Inputs, desired []value.ValueSpecification) ([]value.ComputedValue, error) {
	if s.Evaluate == nil {
		return nil, fmt.Errorf("function %s has no evaluator", s.FunctionID)
	}
	produced, err := s.Evaluate(ctx, target, inputs)
	if err != nil {
		return nil, err
	}
	out := make([]value.ComputedValue, 0, len(desired))
	for _, spec := range desired {
		v, ok := produced[spec.Name]
		if !ok {
			return nil, fmt.Errorf("function %s did not produce %s", s.FunctionID, spec.Name)
		}
		out = append(out, value.ComputedValue{Spec: spec, Value: v})
	}
	return out, nil
}

func (s *Static) produces(name string) bool {
	for _, o := range s.Outputs {
		if o.Name == name {
			return true
		}
	}
	return false
}

func related(target value.ComputationTarget, rel Relation) ([]value.TargetSpecification, bool) {
	switch rel {
	case Self:
		return []value.TargetSpecification{target.Spec}, true
	case OnSecurity:
		pos, ok := target.Value.(*portfolio.Position)
		if !ok || pos.Security() == nil {
			return nil, false
		}
		return []value.TargetSpecification{portfolio.SecurityTarget(pos.Security()).Spec}, true
	case OnChildren:
		node, ok := target.Value.(*portfolio.Node)
		if !ok {
			return nil, false
		}
		out := make([]value.TargetSpecification, 0, len(node.Children))
		for _, c := range node.Children {
			out = append(out, portfolio.NodeTarget(c).Spec)
		}
		return out, true
	case OnPositions:
		node, ok := target.Value.(*portfolio.Node)
		if !ok {
			return nil, false
		}
		out := make([]value.TargetSpecification, 0, len(node.Positions))
		for _, p := range node.Positions {
			out = append(out, portfolio.PositionTarget(p).Spec)
		}
		return out, true
	default:
		return nil, false
	}
}
