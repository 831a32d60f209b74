package value

import "fmt"

// Common value names.
const (
	FairValue    = "FairValue"
	MarketValue  = "MarketValue"
	PresentValue = "PresentValue"
	PV01         = "PV01"
	MarketPrice  = "MarketPrice"
	Quantity     = "Quantity"
)

// ValueRequirement is a named value wanted on a target, constrained by
// properties used to choose between producers.
type ValueRequirement struct {
	Name        string              `json:"name"`
	Target      TargetSpecification `json:"target"`
	Constraints Properties          `json:"constraints"`
}

func NewRequirement(name string, target TargetSpecification, constraints Properties) ValueRequirement {
	return ValueRequirement{Name: name, Target: target, Constraints: constraints}
}

// Key identifies the requirement by (name, target, constraints).
func (r ValueRequirement) Key() string {
	return r.Name + "@" + r.Target.String() + r.Constraints.Key()
}

func (r ValueRequirement) String() string { return r.Key() }

func (r ValueRequirement) Equal(o ValueRequirement) bool { return r.Key() == o.Key() }

// ValueSpecification is the concrete value a function commits to produce.
type ValueSpecification struct {
	Name       string              `json:"name"`
	Target     TargetSpecification `json:"target"`
	Properties Properties          `json:"properties"`
}

// NewSpecification builds a specification tagged with the producing function.
func NewSpecification(name string, target TargetSpecification, functionID string, props Properties) ValueSpecification {
	return ValueSpecification{
		Name:       name,
		Target:     target,
		Properties: props.With(PropertyFunction, functionID),
	}
}

func (s ValueSpecification) FunctionID() string {
	id, _ := s.Properties.Value(PropertyFunction)
	return id
}

// Satisfies reports whether s is an acceptable answer to req.
func (s ValueSpecification) Satisfies(req ValueRequirement) bool {
	return s.Name == req.Name && s.Target == req.Target && req.Constraints.IsSatisfiedBy(s.Properties)
}

// Compose narrows the wildcard properties of s to the constraints of req.
func (s ValueSpecification) Compose(req ValueRequirement) ValueSpecification {
	return ValueSpecification{Name: s.Name, Target: s.Target, Properties: s.Properties.Compose(req.Constraints)}
}

// Requirement returns a requirement that only s can satisfy.
func (s ValueSpecification) Requirement() ValueRequirement {
	return ValueRequirement{Name: s.Name, Target: s.Target, Constraints: s.Properties}
}

func (s ValueSpecification) Key() string {
	return s.Name + "@" + s.Target.String() + s.Properties.Key()
}

func (s ValueSpecification) String() string { return s.Key() }

func (s ValueSpecification) Equal(o ValueSpecification) bool { return s.Key() == o.Key() }

// ComputedValue is a produced value together with its specification.
type ComputedValue struct {
	Spec  ValueSpecification `json:"spec"`
	Value any                `json:"value"`
}

func (c ComputedValue) String() string {
	return fmt.Sprintf("%s=%v", c.Spec.Key(), c.Value)
}
