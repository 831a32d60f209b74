// Package builtin holds the default function catalog used by the engine
// service: position valuation from market prices and node aggregation.
package builtin

import (
	"context"
	"fmt"

	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/value"
	"gonum.org/v1/gonum/floats"
)

const (
	PropertyCurrency = "Currency"
	// ModelPrice is a live data field published by pricing models.
	ModelPrice = "ModelPrice"
	// ModifiedDuration is a live data field for fixed income securities.
	ModifiedDuration = "ModifiedDuration"

	defaultCurrency = "USD"
)

// Function ids.
const (
	SecurityFairValueFromModel  = "SecurityFairValueFromModel"
	SecurityFairValueFromMarket = "SecurityFairValueFromMarket"
	SecurityPV01                = "SecurityPV01"
	PositionMarketValue         = "PositionMarketValue"
	PositionFairValue           = "PositionFairValue"
	PositionPV01                = "PositionPV01"
	NodeMarketValue             = "NodeMarketValue"
	NodeFairValue               = "NodeFairValue"
	NodePV01                    = "NodePV01"
)

// Repository returns a repository with the builtin catalog registered.
func Repository() *function.Repository {
	repo := function.NewRepository()
	Register(repo)
	return repo
}

// Register adds the builtin catalog to repo.
func Register(repo *function.Repository) {
	currency := value.EmptyProperties().WithAny(PropertyCurrency)

	repo.MustRegister(&function.Static{
		FunctionID: SecurityFairValueFromModel,
		Target:     value.TargetSecurity,
		Outputs:    []function.Output{{Name: value.FairValue, PropertiesFor: securityCurrency}},
		Inputs:     []function.Input{{Name: ModelPrice, Relation: function.Self}},
		Evaluate:   passThrough(value.FairValue, ModelPrice),
	}, 10)
	repo.MustRegister(&function.Static{
		FunctionID: SecurityFairValueFromMarket,
		Target:     value.TargetSecurity,
		Outputs:    []function.Output{{Name: value.FairValue, PropertiesFor: securityCurrency}},
		Inputs:     []function.Input{{Name: value.MarketPrice, Relation: function.Self}},
		Evaluate:   passThrough(value.FairValue, value.MarketPrice),
	}, 0)
	repo.MustRegister(&function.Static{
		FunctionID: SecurityPV01,
		Target:     value.TargetSecurity,
		Outputs:    []function.Output{{Name: value.PV01, PropertiesFor: securityCurrency}},
		Inputs: []function.Input{
			{Name: value.MarketPrice, Relation: function.Self},
			{Name: ModifiedDuration, Relation: function.Self},
		},
		Evaluate: func(_ context.Context, _ value.ComputationTarget, in function.Inputs) (map[string]any, error) {
			price, err := single(in, value.MarketPrice)
			if err != nil {
				return nil, err
			}
			duration, err := single(in, ModifiedDuration)
			if err != nil {
				return nil, err
			}
			return map[string]any{value.PV01: price * duration * 0.0001}, nil
		},
	}, 0)

	repo.MustRegister(&function.Static{
		FunctionID: PositionMarketValue,
		Target:     value.TargetPosition,
		Outputs:    []function.Output{{Name: value.MarketValue, PropertiesFor: positionCurrency}},
		Inputs:     []function.Input{{Name: value.MarketPrice, Relation: function.OnSecurity}},
		Evaluate:   scaleByQuantity(value.MarketValue, value.MarketPrice),
	}, 0)
	repo.MustRegister(&function.Static{
		FunctionID: PositionFairValue,
		Target:     value.TargetPosition,
		Outputs:    []function.Output{{Name: value.FairValue, PropertiesFor: positionCurrency}},
		Inputs:     []function.Input{{Name: value.FairValue, Relation: function.OnSecurity, Propagate: []string{PropertyCurrency}}},
		Evaluate:   scaleByQuantity(value.FairValue, value.FairValue),
	}, 0)
	repo.MustRegister(&function.Static{
		FunctionID: PositionPV01,
		Target:     value.TargetPosition,
		Outputs:    []function.Output{{Name: value.PV01, PropertiesFor: positionCurrency}},
		Inputs:     []function.Input{{Name: value.PV01, Relation: function.OnSecurity, Propagate: []string{PropertyCurrency}}},
		Evaluate:   scaleByQuantity(value.PV01, value.PV01),
	}, 0)

	repo.MustRegister(aggregate(NodeMarketValue, value.MarketValue, currency), 0)
	repo.MustRegister(aggregate(NodeFairValue, value.FairValue, currency), 0)
	repo.MustRegister(aggregate(NodePV01, value.PV01, currency), 0)
}

// aggregate sums name over the positions and child nodes of a portfolio
// node, in the currency requested of the node.
func aggregate(id, name string, props value.Properties) *function.Static {
	return &function.Static{
		FunctionID: id,
		Target:     value.TargetPortfolioNode,
		Outputs:    []function.Output{{Name: name, Properties: props}},
		Inputs: []function.Input{
			{Name: name, Relation: function.OnPositions, Propagate: []string{PropertyCurrency}},
			{Name: name, Relation: function.OnChildren, Propagate: []string{PropertyCurrency}},
		},
		Evaluate: func(_ context.Context, _ value.ComputationTarget, in function.Inputs) (map[string]any, error) {
			values, err := in.Floats(name)
			if err != nil {
				return nil, err
			}
			return map[string]any{name: floats.Sum(values)}, nil
		},
	}
}

func passThrough(out, in string) function.EvaluateFunc {
	return func(_ context.Context, _ value.ComputationTarget, inputs function.Inputs) (map[string]any, error) {
		v, err := single(inputs, in)
		if err != nil {
			return nil, err
		}
		return map[string]any{out: v}, nil
	}
}

func scaleByQuantity(out, in string) function.EvaluateFunc {
	return func(_ context.Context, target value.ComputationTarget, inputs function.Inputs) (map[string]any, error) {
		pos, ok := target.Value.(*portfolio.Position)
		if !ok {
			return nil, fmt.Errorf("target %s is not a position", target)
		}
		v, err := single(inputs, in)
		if err != nil {
			return nil, err
		}
		return map[string]any{out: v * pos.Quantity}, nil
	}
}

func single(in function.Inputs, name string) (float64, error) {
	values, err := in.Floats(name)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("expected one %s input, got %d", name, len(values))
	}
	return values[0], nil
}

func securityCurrency(target value.ComputationTarget) value.Properties {
	if sec, ok := target.Value.(*portfolio.Security); ok {
		return value.EmptyProperties().With(PropertyCurrency, currencyOf(sec))
	}
	return value.EmptyProperties().WithAny(PropertyCurrency)
}

func positionCurrency(target value.ComputationTarget) value.Properties {
	if pos, ok := target.Value.(*portfolio.Position); ok && pos.Security() != nil {
		return value.EmptyProperties().With(PropertyCurrency, currencyOf(pos.Security()))
	}
	return value.EmptyProperties().WithAny(PropertyCurrency)
}

func currencyOf(sec *portfolio.Security) string {
	if c := sec.Attributes["currency"]; c != "" {
		return c
	}
	return defaultCurrency
}
