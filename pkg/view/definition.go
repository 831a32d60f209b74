// Package view holds view definitions and compiles them into one
// dependency graph per calculation configuration.
package view

import (
	"errors"
	"fmt"

	"github.com/canopy-network/riskgraph/pkg/value"
)

var ErrInvalidDefinition = errors.New("invalid view definition")

// OutputMode decides whether values on a target type are terminal outputs.
type OutputMode string

const (
	OutputAll  OutputMode = "ALL"
	OutputNone OutputMode = "NONE"
)

func (m OutputMode) valid() bool {
	return m == "" || m == OutputAll || m == OutputNone
}

// ResultModel holds the output mode per target type. Unset modes default to
// ALL for portfolio nodes and positions and NONE otherwise.
type ResultModel struct {
	PortfolioNode OutputMode `json:"portfolioNode,omitempty"`
	Position      OutputMode `json:"position,omitempty"`
	Security      OutputMode `json:"security,omitempty"`
	Primitive     OutputMode `json:"primitive,omitempty"`
}

func (m ResultModel) Mode(t value.TargetType) OutputMode {
	var mode OutputMode
	def := OutputNone
	switch t {
	case value.TargetPortfolioNode:
		mode, def = m.PortfolioNode, OutputAll
	case value.TargetPosition:
		mode, def = m.Position, OutputAll
	case value.TargetSecurity:
		mode = m.Security
	case value.TargetPrimitive:
		mode = m.Primitive
	}
	if mode == "" {
		return def
	}
	return mode
}

// RequirementTemplate is a value requested on every target of a kind.
type RequirementTemplate struct {
	Name        string           `json:"name"`
	Constraints value.Properties `json:"constraints"`
}

// CalcConfig is one calculation configuration of a view.
type CalcConfig struct {
	Name string `json:"name"`
	// PortfolioRequirements maps security types to the values wanted on
	// positions in them, on the nodes holding them and on the securities.
	PortfolioRequirements map[string][]RequirementTemplate `json:"portfolioRequirements,omitempty"`
	SpecificRequirements  []value.ValueRequirement         `json:"specificRequirements,omitempty"`
	// Defaults fill constraints a template leaves unset.
	Defaults value.Properties `json:"defaults"`
}

// Requirement builds the requirement for tpl on target, applying defaults.
func (c CalcConfig) Requirement(tpl RequirementTemplate, target value.TargetSpecification) value.ValueRequirement {
	constraints := tpl.Constraints
	for _, name := range c.Defaults.Names() {
		if constraints.Has(name) {
			continue
		}
		if c.Defaults.IsAny(name) {
			constraints = constraints.WithAny(name)
			continue
		}
		constraints = constraints.With(name, c.Defaults.Values(name)...)
	}
	return value.NewRequirement(tpl.Name, target, constraints)
}

// Definition is a named set of calculation configurations over a portfolio.
type Definition struct {
	Name        string         `json:"name"`
	PortfolioID value.UniqueID `json:"portfolioId"`
	ResultModel ResultModel    `json:"resultModel"`
	CalcConfigs []CalcConfig   `json:"calcConfigs"`
}

// Validate rejects definitions that cannot be compiled.
func (d *Definition) Validate() error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDefinition)
	}
	for _, m := range []OutputMode{d.ResultModel.PortfolioNode, d.ResultModel.Position, d.ResultModel.Security, d.ResultModel.Primitive} {
		if !m.valid() {
			return fmt.Errorf("%w: unknown output mode %q", ErrInvalidDefinition, m)
		}
	}
	if len(d.CalcConfigs) == 0 {
		return fmt.Errorf("%w: %s has no calculation configurations", ErrInvalidDefinition, d.Name)
	}
	seen := map[string]bool{}
	for _, c := range d.CalcConfigs {
		if c.Name == "" {
			return fmt.Errorf("%w: unnamed calculation configuration", ErrInvalidDefinition)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate calculation configuration %q", ErrInvalidDefinition, c.Name)
		}
		seen[c.Name] = true
		for secType, tpls := range c.PortfolioRequirements {
			for _, tpl := range tpls {
				if tpl.Name == "" {
					return fmt.Errorf("%w: %s: unnamed requirement for %q", ErrInvalidDefinition, c.Name, secType)
				}
			}
		}
		for _, r := range c.SpecificRequirements {
			if r.Name == "" || r.Target.ID.IsZero() {
				return fmt.Errorf("%w: %s: incomplete requirement %s", ErrInvalidDefinition, c.Name, r.Key())
			}
		}
	}
	return nil
}
