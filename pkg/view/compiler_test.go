package view

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/canopy-network/riskgraph/pkg/depgraph"
	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/function/builtin"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const exposure = "Exposure"

var (
	rootID = value.NewID("NODE", "root")
	posID  = value.NewID("POS", "1")
	secID  = value.NewID("TICKER", "AAPL")
)

func onePositionPortfolio() *portfolio.Portfolio {
	return &portfolio.Portfolio{
		ID:   value.NewID("PF", "1"),
		Name: "Single",
		Root: &portfolio.Node{
			ID:        rootID,
			Positions: []*portfolio.Position{{ID: posID, Quantity: 10, SecurityID: secID}},
		},
		Securities: []*portfolio.Security{{ID: secID, Type: "EQUITY", Attributes: map[string]string{"currency": "USD"}}},
	}
}

func marketPriceAvailable() livedata.Availability {
	return livedata.NewFieldAvailability([]string{value.MarketPrice, builtin.ModifiedDuration})
}

func exposureRepository(t *testing.T) *function.Repository {
	repo := function.NewRepository()
	require.NoError(t, repo.Register(&function.Static{
		FunctionID: "NodeExposure",
		Target:     value.TargetPortfolioNode,
		Outputs:    []function.Output{{Name: exposure}},
		Evaluate: func(context.Context, value.ComputationTarget, function.Inputs) (map[string]any, error) {
			return map[string]any{exposure: 1.0}, nil
		},
	}, 0))
	require.NoError(t, repo.Register(&function.Static{
		FunctionID: "PositionExposure",
		Target:     value.TargetPosition,
		Outputs:    []function.Output{{Name: exposure}},
		Inputs:     []function.Input{{Name: value.MarketPrice, Relation: function.OnSecurity}},
	}, 0))
	return repo
}

func newCompiler(t *testing.T, repo *function.Repository, avail livedata.Availability) *Compiler {
	c := NewCompiler(function.NewResolver(repo), avail, WithLogger(zaptest.NewLogger(t)), WithParallelism(2))
	t.Cleanup(c.Close)
	return c
}

func TestCompile_DisabledPositionOutputs(t *testing.T) {
	c := newCompiler(t, exposureRepository(t), marketPriceAvailable())
	def := &Definition{
		Name:        "exposure",
		ResultModel: ResultModel{Position: OutputNone},
		CalcConfigs: []CalcConfig{{
			Name:                  "Default",
			PortfolioRequirements: map[string][]RequirementTemplate{"EQUITY": {{Name: exposure}}},
		}},
	}

	view, err := c.Compile(context.Background(), def, onePositionPortfolio())
	require.NoError(t, err)

	g := view.Graphs["Default"]
	require.NotNil(t, g)
	terminals := g.Terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, value.NewTargetSpec(value.TargetPortfolioNode, rootID), terminals[0].Requirement.Target)
	assert.Empty(t, view.LiveDataRequirements)
	assert.Empty(t, g.LiveDataRequirements())
	assert.Equal(t, []value.TargetSpecification{value.NewTargetSpec(value.TargetPortfolioNode, rootID)}, view.Targets)
	assert.Empty(t, view.Failures)

	// pruning again changes nothing
	assert.Zero(t, g.Prune(nil))
}

func TestCompile_EnabledPositionOutputsNeedLiveData(t *testing.T) {
	c := newCompiler(t, exposureRepository(t), marketPriceAvailable())
	def := &Definition{
		Name: "exposure",
		CalcConfigs: []CalcConfig{{
			Name:                  "Default",
			PortfolioRequirements: map[string][]RequirementTemplate{"EQUITY": {{Name: exposure}}},
		}},
	}

	view, err := c.Compile(context.Background(), def, onePositionPortfolio())
	require.NoError(t, err)

	g := view.Graphs["Default"]
	assert.Len(t, g.Terminals(), 2)
	require.Len(t, view.LiveDataRequirements, 1)
	assert.Equal(t, value.MarketPrice, view.LiveDataRequirements[0].Name)
	assert.Equal(t, value.NewTargetSpec(value.TargetSecurity, secID), view.LiveDataRequirements[0].Target)
}

func TestCompile_BuiltinCatalog(t *testing.T) {
	c := newCompiler(t, builtin.Repository(), marketPriceAvailable())
	def := &Definition{
		Name: "risk",
		CalcConfigs: []CalcConfig{
			{
				Name: "Valuation",
				PortfolioRequirements: map[string][]RequirementTemplate{
					"EQUITY": {{Name: value.MarketValue}, {Name: value.FairValue}},
				},
			},
			{
				Name: "Risk",
				PortfolioRequirements: map[string][]RequirementTemplate{
					"EQUITY": {{Name: value.PV01}},
				},
			},
		},
	}

	view, err := c.Compile(context.Background(), def, onePositionPortfolio())
	require.NoError(t, err)
	assert.Equal(t, []string{"Valuation", "Risk"}, view.ConfigNames())
	assert.Empty(t, view.Failures)
	assert.Empty(t, view.Errors)

	valuation := view.Graphs["Valuation"]
	assert.Len(t, valuation.Terminals(), 4)
	var names []string
	for _, s := range view.LiveDataRequirements {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{value.MarketPrice, builtin.ModifiedDuration}, names)

	// FairValue on the security falls back from the model price to the market price.
	fv := valuation.TerminalOutputs()[value.NewRequirement(value.FairValue,
		value.NewTargetSpec(value.TargetPosition, posID), value.EmptyProperties()).Key()]
	node, ok := valuation.Producer(fv)
	require.True(t, ok)
	require.Len(t, node.InputNodes(), 1)
	assert.Equal(t, builtin.SecurityFairValueFromMarket, node.InputNodes()[0].FunctionID())
}

func TestCompile_FailuresStayInTheirConfig(t *testing.T) {
	c := newCompiler(t, exposureRepository(t), marketPriceAvailable())
	nodeTarget := value.NewTargetSpec(value.TargetPortfolioNode, rootID)
	def := &Definition{
		Name: "mixed",
		CalcConfigs: []CalcConfig{
			{Name: "good", SpecificRequirements: []value.ValueRequirement{
				value.NewRequirement(exposure, nodeTarget, value.EmptyProperties()),
			}},
			{Name: "bad", SpecificRequirements: []value.ValueRequirement{
				value.NewRequirement(exposure, nodeTarget, value.EmptyProperties()),
				value.NewRequirement("Unknown", nodeTarget, value.EmptyProperties()),
			}},
		},
	}

	view, err := c.Compile(context.Background(), def, onePositionPortfolio())
	require.NoError(t, err)
	assert.NotContains(t, view.Failures, "good")
	require.Len(t, view.Failures["bad"], 1)
	assert.Equal(t, depgraph.ReasonNoCandidates, view.Failures["bad"][0].Reason)
	assert.Len(t, view.Graphs["good"].Terminals(), 1)
	assert.Len(t, view.Graphs["bad"].Terminals(), 1)
}

type panicFunction struct{ function.Static }

func (p *panicFunction) Requirements(value.ComputationTarget, value.ValueSpecification) ([]value.ValueRequirement, bool) {
	panic("broken function")
}

func TestCompile_PanicIsolatedToConfig(t *testing.T) {
	repo := exposureRepository(t)
	require.NoError(t, repo.Register(&panicFunction{function.Static{
		FunctionID: "Boom",
		Target:     value.TargetPortfolioNode,
		Outputs:    []function.Output{{Name: "Boom"}},
	}}, 0))
	c := newCompiler(t, repo, marketPriceAvailable())
	nodeTarget := value.NewTargetSpec(value.TargetPortfolioNode, rootID)
	def := &Definition{
		Name: "panics",
		CalcConfigs: []CalcConfig{
			{Name: "ok", SpecificRequirements: []value.ValueRequirement{value.NewRequirement(exposure, nodeTarget, value.EmptyProperties())}},
			{Name: "boom", SpecificRequirements: []value.ValueRequirement{value.NewRequirement("Boom", nodeTarget, value.EmptyProperties())}},
		},
	}

	view, err := c.Compile(context.Background(), def, onePositionPortfolio())
	require.NoError(t, err)
	require.Contains(t, view.Errors, "boom")
	assert.Contains(t, view.Errors["boom"].Error(), "broken function")
	assert.Contains(t, view.Graphs, "ok")
}

func TestCompile_Deterministic(t *testing.T) {
	c := newCompiler(t, builtin.Repository(), marketPriceAvailable())
	def := &Definition{
		Name: "risk",
		CalcConfigs: []CalcConfig{{
			Name: "Valuation",
			PortfolioRequirements: map[string][]RequirementTemplate{
				"EQUITY": {{Name: value.MarketValue}, {Name: value.PV01}},
			},
		}},
	}

	var dumps []string
	for i := 0; i < 3; i++ {
		view, err := c.Compile(context.Background(), def, onePositionPortfolio())
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, view.Graphs["Valuation"].Dump(&buf))
		dumps = append(dumps, buf.String())
	}
	assert.Equal(t, dumps[0], dumps[1])
	assert.Equal(t, dumps[1], dumps[2])
}

func TestCompile_RejectsInvalidInput(t *testing.T) {
	c := newCompiler(t, exposureRepository(t), marketPriceAvailable())

	_, err := c.Compile(context.Background(), &Definition{Name: "empty"}, onePositionPortfolio())
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	def := &Definition{Name: "v", CalcConfigs: []CalcConfig{{Name: "Default"}}}
	bad := onePositionPortfolio()
	bad.Securities = nil
	_, err = c.Compile(context.Background(), def, bad)
	assert.ErrorIs(t, err, portfolio.ErrInvalidPortfolio)
}

func TestCompile_CanceledContext(t *testing.T) {
	c := newCompiler(t, exposureRepository(t), marketPriceAvailable())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	def := &Definition{Name: "v", CalcConfigs: []CalcConfig{{Name: "Default"}}}
	_, err := c.Compile(ctx, def, onePositionPortfolio())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefinitionValidate(t *testing.T) {
	for name, def := range map[string]*Definition{
		"nil":            nil,
		"no name":        {CalcConfigs: []CalcConfig{{Name: "a"}}},
		"no configs":     {Name: "v"},
		"unnamed config": {Name: "v", CalcConfigs: []CalcConfig{{}}},
		"duplicate":      {Name: "v", CalcConfigs: []CalcConfig{{Name: "a"}, {Name: "a"}}},
		"bad mode":       {Name: "v", ResultModel: ResultModel{Position: "SOME"}, CalcConfigs: []CalcConfig{{Name: "a"}}},
		"bad template": {Name: "v", CalcConfigs: []CalcConfig{{Name: "a",
			PortfolioRequirements: map[string][]RequirementTemplate{"EQUITY": {{}}}}}},
		"bad specific": {Name: "v", CalcConfigs: []CalcConfig{{Name: "a",
			SpecificRequirements: []value.ValueRequirement{{Name: "X"}}}}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, def.Validate(), ErrInvalidDefinition)
		})
	}
}

func TestResultModelDefaults(t *testing.T) {
	var m ResultModel
	assert.Equal(t, OutputAll, m.Mode(value.TargetPortfolioNode))
	assert.Equal(t, OutputAll, m.Mode(value.TargetPosition))
	assert.Equal(t, OutputNone, m.Mode(value.TargetSecurity))
	assert.Equal(t, OutputNone, m.Mode(value.TargetPrimitive))

	m.Position = OutputNone
	m.Security = OutputAll
	assert.Equal(t, OutputNone, m.Mode(value.TargetPosition))
	assert.Equal(t, OutputAll, m.Mode(value.TargetSecurity))
}

func TestDefinitionJSONAndDefaults(t *testing.T) {
	raw := `{
		"name": "risk",
		"resultModel": {"position": "NONE"},
		"calcConfigs": [{
			"name": "Default",
			"portfolioRequirements": {"EQUITY": [
				{"name": "MarketValue", "constraints": {"Currency": ["EUR"]}},
				{"name": "PV01"}
			]},
			"defaults": {"Currency": ["USD"]}
		}]
	}`
	var def Definition
	require.NoError(t, json.NewDecoder(strings.NewReader(raw)).Decode(&def))
	require.NoError(t, def.Validate())
	assert.Equal(t, OutputNone, def.ResultModel.Mode(value.TargetPosition))

	cfg := def.CalcConfigs[0]
	target := value.NewTargetSpec(value.TargetPosition, posID)
	tpls := cfg.PortfolioRequirements["EQUITY"]
	mv := cfg.Requirement(tpls[0], target)
	assert.Equal(t, []string{"EUR"}, mv.Constraints.Values("Currency"))
	pv := cfg.Requirement(tpls[1], target)
	assert.Equal(t, []string{"USD"}, pv.Constraints.Values("Currency"))
}
