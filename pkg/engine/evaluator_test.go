package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/canopy-network/riskgraph/pkg/depgraph"
	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var primitive = value.NewTargetSpec(value.TargetPrimitive, value.NewID("Test", "0"))

func req(name string) value.ValueRequirement {
	return value.NewRequirement(name, primitive, value.EmptyProperties())
}

type mapMarketData map[string]any

func (m mapMarketData) Query(spec value.ValueSpecification) (any, bool) {
	v, ok := m[spec.Key()]
	return v, ok
}

func static(id, out string, in []string, eval function.EvaluateFunc) *function.Static {
	inputs := make([]function.Input, 0, len(in))
	for _, name := range in {
		inputs = append(inputs, function.Input{Name: name, Relation: function.Self})
	}
	return &function.Static{
		FunctionID: id,
		Target:     value.TargetPrimitive,
		Outputs:    []function.Output{{Name: out}},
		Inputs:     inputs,
		Evaluate:   eval,
	}
}

// testGraph builds Spot (live) -> Double, Spot -> Broken -> AfterBroken, and
// a Panics function without inputs.
func testGraph(t *testing.T) *depgraph.Graph {
	repo := function.NewRepository()
	repo.MustRegister(static("Double", "Double", []string{"Spot"},
		func(_ context.Context, _ value.ComputationTarget, in function.Inputs) (map[string]any, error) {
			v, _ := in.Value("Spot")
			f, _ := function.AsFloat(v)
			return map[string]any{"Double": 2 * f}, nil
		}), 0)
	repo.MustRegister(static("Broken", "Broken", []string{"Spot"},
		func(context.Context, value.ComputationTarget, function.Inputs) (map[string]any, error) {
			return nil, errors.New("model diverged")
		}), 0)
	repo.MustRegister(static("AfterBroken", "AfterBroken", []string{"Broken"},
		func(context.Context, value.ComputationTarget, function.Inputs) (map[string]any, error) {
			return map[string]any{"AfterBroken": 1.0}, nil
		}), 0)
	repo.MustRegister(static("Panics", "Panics", nil,
		func(context.Context, value.ComputationTarget, function.Inputs) (map[string]any, error) {
			panic("boom")
		}), 0)

	avail := livedata.NewFixedAvailability()
	avail.Add("Spot", primitive)
	b := depgraph.NewBuilder(depgraph.Options{
		Name:         "eval",
		Functions:    function.NewResolver(repo),
		Targets:      portfolio.NewResolver(),
		Availability: avail,
		Logger:       zaptest.NewLogger(t),
	})
	for _, name := range []string{"Double", "AfterBroken", "Panics"} {
		require.NoError(t, b.AddTarget(req(name)))
	}
	g, err := b.Build()
	require.NoError(t, err)
	require.Empty(t, g.Failures())
	return g
}

func terminal(t *testing.T, res *Results, name string) TerminalResult {
	t.Helper()
	tr, ok := res.Terminal(req(name))
	require.True(t, ok, "no terminal %s", name)
	return tr
}

func TestEvaluate_PropagatesValuesAndFailures(t *testing.T) {
	g := testGraph(t)
	spot := function.MarketDataSpec(req("Spot"))
	md := mapMarketData{spot.Key(): 21.0}

	res, err := NewEvaluator(zaptest.NewLogger(t)).Evaluate(context.Background(), g, md)
	require.NoError(t, err)
	assert.Equal(t, "eval", res.Graph)
	assert.Len(t, res.Terminals, 3)

	double := terminal(t, res, "Double")
	assert.Equal(t, StatusOK, double.Status)
	assert.Equal(t, 42.0, double.Value)

	after := terminal(t, res, "AfterBroken")
	assert.Equal(t, StatusMissingInputs, after.Status)
	assert.Contains(t, after.Reason, "Broken")

	panics := terminal(t, res, "Panics")
	assert.Equal(t, StatusFailed, panics.Status)
	assert.Contains(t, panics.Reason, "boom")

	broken, ok := g.Producer(g.TerminalOutputs()[req("AfterBroken").Key()])
	require.True(t, ok)
	require.Len(t, broken.InputNodes(), 1)
	brokenResult, ok := res.Value(broken.Inputs()[0])
	require.True(t, ok)
	assert.Equal(t, StatusFailed, brokenResult.Status)
	assert.Equal(t, "model diverged", brokenResult.Reason)

	spotResult, ok := res.Value(spot)
	require.True(t, ok)
	assert.True(t, spotResult.OK())
	assert.Equal(t, g.Len(), res.Len())
}

func TestEvaluate_MissingMarketData(t *testing.T) {
	g := testGraph(t)
	res, err := NewEvaluator(nil).Evaluate(context.Background(), g, mapMarketData{})
	require.NoError(t, err)

	spot, ok := res.Value(function.MarketDataSpec(req("Spot")))
	require.True(t, ok)
	assert.Equal(t, StatusMissingMarketData, spot.Status)

	double := terminal(t, res, "Double")
	assert.Equal(t, StatusMissingInputs, double.Status)
	assert.Nil(t, double.Value)
}

func TestEvaluate_NilSnapshot(t *testing.T) {
	g := testGraph(t)
	res, err := NewEvaluator(nil).Evaluate(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusMissingInputs, terminal(t, res, "Double").Status)
}

func TestEvaluate_CanceledContext(t *testing.T) {
	g := testGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEvaluator(nil).Evaluate(ctx, g, mapMarketData{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluate_ReportsCompileFailures(t *testing.T) {
	b := depgraph.NewBuilder(depgraph.Options{
		Name:         "empty",
		Functions:    function.NewResolver(function.NewRepository()),
		Targets:      portfolio.NewResolver(),
		Availability: livedata.NewFixedAvailability(),
	})
	require.NoError(t, b.AddTarget(req("Nothing")))
	g, err := b.Build()
	require.NoError(t, err)

	res, err := NewEvaluator(nil).Evaluate(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Terminals)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, depgraph.ReasonNoCandidates, res.Failures[0].Reason)
}
