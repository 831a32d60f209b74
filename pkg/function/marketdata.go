package function

import (
	"context"
	"errors"

	"github.com/canopy-network/riskgraph/pkg/value"
)

// MarketDataSourcingID is the producer recorded on live data specifications.
const MarketDataSourcingID = "MarketDataSourcing"

var errNotExecutable = errors.New("market data nodes are read from a snapshot")

type marketDataSourcing struct{}

// MarketDataSourcing is the function attached to graph nodes whose single
// output comes from the live data feed. It is never registered in a
// repository; the graph builder creates these nodes directly.
var MarketDataSourcing Function = marketDataSourcing{}

func (marketDataSourcing) ID() string                   { return MarketDataSourcingID }
func (marketDataSourcing) Kind() Kind                   { return KindMarketData }
func (marketDataSourcing) TargetType() value.TargetType { return value.TargetPrimitive }

func (marketDataSourcing) CanApplyTo(value.ComputationTarget) bool { return true }

func (marketDataSourcing) Results(value.ComputationTarget) []value.ValueSpecification { return nil }

func (marketDataSourcing) Requirements(value.ComputationTarget, value.ValueSpecification) ([]value.ValueRequirement, bool) {
	return nil, true
}

func (marketDataSourcing) Execute(context.Context, value.ComputationTarget, Inputs, []value.ValueSpecification) ([]value.ComputedValue, error) {
	return nil, errNotExecutable
}

// MarketDataSpec is the specification a live data requirement resolves to.
func MarketDataSpec(req value.ValueRequirement) value.ValueSpecification {
	return value.NewSpecification(req.Name, req.Target, MarketDataSourcingID, req.Constraints.Without(value.PropertyFunction))
}
