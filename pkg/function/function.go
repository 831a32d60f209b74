package function

import (
	"context"
	"fmt"
	"sort"

	"github.com/canopy-network/riskgraph/pkg/value"
)

// Kind is the closed set of production rule variants the evaluator
// dispatches on.
type Kind int

const (
	// KindCompute functions derive outputs from their resolved inputs.
	KindCompute Kind = iota
	// KindMarketData nodes source their single output from a market data snapshot.
	KindMarketData
)

func (k Kind) String() string {
	switch k {
	case KindCompute:
		return "compute"
	case KindMarketData:
		return "market_data"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Function is a production rule: it promises a set of outputs for targets of
// one type and declares which inputs it needs to produce a desired output.
type Function interface {
	ID() string
	Kind() Kind
	TargetType() value.TargetType
	CanApplyTo(target value.ComputationTarget) bool
	// Results lists every output the function can produce on target. Output
	// properties may be wildcards.
	Results(target value.ComputationTarget) []value.ValueSpecification
	// Requirements returns the inputs needed to produce desired, or false if
	// desired cannot be produced on target.
	Requirements(target value.ComputationTarget, desired value.ValueSpecification) ([]value.ValueRequirement, bool)
	Execute(ctx context.Context, target value.ComputationTarget, inputs Inputs, desired []value.ValueSpecification) ([]value.ComputedValue, error)
}

// LateResolver is implemented by functions whose outputs depend on the
// concrete specifications chosen for their inputs. The returned results
// replace Results once inputs are resolved; a desired output that is not
// satisfied by them rejects the candidate.
type LateResolver interface {
	LateResults(target value.ComputationTarget, inputs map[string]InputBinding) []value.ValueSpecification
}

// AdditionalRequirer is implemented by functions that request further inputs
// once their first set of inputs and outputs are known.
type AdditionalRequirer interface {
	AdditionalRequirements(target value.ComputationTarget, inputs []value.ValueSpecification, outputs []value.ValueSpecification) []value.ValueRequirement
}

// InputBinding pairs a resolved input specification with the requirement
// it was resolved for. Keyed by specification key.
type InputBinding struct {
	Spec        value.ValueSpecification
	Requirement value.ValueRequirement
}

// Inputs are the resolved input values handed to Execute.
type Inputs struct {
	values map[string]value.ComputedValue
}

func NewInputs(values ...value.ComputedValue) Inputs {
	in := Inputs{values: make(map[string]value.ComputedValue, len(values))}
	for _, v := range values {
		in.values[v.Spec.Key()] = v
	}
	return in
}

func (in Inputs) Len() int { return len(in.values) }

// Get returns the value produced for spec.
func (in Inputs) Get(spec value.ValueSpecification) (any, bool) {
	v, ok := in.values[spec.Key()]
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// Value returns the value of the first input named name, in key order.
func (in Inputs) Value(name string) (any, bool) {
	all := in.All(name)
	if len(all) == 0 {
		return nil, false
	}
	return all[0].Value, true
}

// ValueOn returns the value named name computed on target.
func (in Inputs) ValueOn(name string, target value.TargetSpecification) (any, bool) {
	for _, v := range in.All(name) {
		if v.Spec.Target == target {
			return v.Value, true
		}
	}
	return nil, false
}

// All returns every input named name ordered by specification key.
func (in Inputs) All(name string) []value.ComputedValue {
	var out []value.ComputedValue
	for _, v := range in.values {
		if v.Spec.Name == name {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Key() < out[j].Spec.Key() })
	return out
}

// Floats returns every numeric input named name. Non-numeric values are
// reported as an error.
func (in Inputs) Floats(name string) ([]float64, error) {
	all := in.All(name)
	out := make([]float64, 0, len(all))
	for _, v := range all {
		f, ok := AsFloat(v.Value)
		if !ok {
			return nil, fmt.Errorf("input %s is not numeric: %T", v.Spec.Key(), v.Value)
		}
		out = append(out, f)
	}
	return out, nil
}

// AsFloat converts the numeric types found in market data to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
