package types

import (
	"time"

	"github.com/canopy-network/riskgraph/pkg/depgraph"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/canopy-network/riskgraph/pkg/view"
)

// CompileRequest is the body of POST /views.
type CompileRequest struct {
	Definition *view.Definition     `json:"definition"`
	Portfolio  *portfolio.Portfolio `json:"portfolio"`
}

// CycleRequest is the body of POST /views/{id}/cycles. A zero AsOf means now.
type CycleRequest struct {
	AsOf time.Time `json:"asOf"`
}

// TickRequest is the body of POST /ticks.
type TickRequest struct {
	ExternalID string         `json:"externalId"`
	Fields     map[string]any `json:"fields"`
}

// ViewSummary describes a compiled view.
type ViewSummary struct {
	ID                   string                        `json:"id"`
	Name                 string                        `json:"name"`
	Portfolio            string                        `json:"portfolio"`
	Configs              []ConfigSummary               `json:"configs"`
	LiveDataRequirements []value.ValueSpecification    `json:"liveDataRequirements"`
	Targets              []value.TargetSpecification   `json:"targets"`
	Failures             map[string][]depgraph.Failure `json:"failures,omitempty"`
	Errors               map[string]string             `json:"errors,omitempty"`
	CompiledAt           time.Time                     `json:"compiledAt"`
}

type ConfigSummary struct {
	Name      string `json:"name"`
	Nodes     int    `json:"nodes"`
	Terminals int    `json:"terminals"`
}

func NewViewSummary(v *view.CompiledView) ViewSummary {
	s := ViewSummary{
		ID:                   v.ID,
		Name:                 v.Definition.Name,
		LiveDataRequirements: v.LiveDataRequirements,
		Targets:              v.Targets,
		Failures:             v.Failures,
		CompiledAt:           v.CompiledAt,
		Configs:              make([]ConfigSummary, 0, len(v.Graphs)),
	}
	if v.Portfolio != nil {
		s.Portfolio = v.Portfolio.ID.String()
	}
	if s.LiveDataRequirements == nil {
		s.LiveDataRequirements = []value.ValueSpecification{}
	}
	for _, name := range v.ConfigNames() {
		g := v.Graphs[name]
		s.Configs = append(s.Configs, ConfigSummary{Name: name, Nodes: g.Len(), Terminals: len(g.Terminals())})
	}
	if len(v.Errors) > 0 {
		s.Errors = make(map[string]string, len(v.Errors))
		for name, err := range v.Errors {
			s.Errors[name] = err.Error()
		}
	}
	return s
}
