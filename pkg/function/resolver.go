package function

import (
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/puzpuzpuz/xsync/v4"
)

// Candidate is a function able to satisfy a requirement, with the output
// specification it would commit to.
type Candidate struct {
	Function Function
	Output   value.ValueSpecification
	Priority int
}

// Resolver answers which functions can produce a requirement. The function
// order is fixed when the resolver is created, so identical requests always
// yield identical candidate lists. Safe for concurrent use.
type Resolver struct {
	entries []entry
	byType  map[value.TargetType][]entry
	results *xsync.Map[string, []value.ValueSpecification]
}

func NewResolver(repo *Repository) *Resolver {
	r := &Resolver{
		entries: repo.ordered(),
		byType:  map[value.TargetType][]entry{},
		results: xsync.NewMap[string, []value.ValueSpecification](),
	}
	for _, e := range r.entries {
		t := e.fn.TargetType()
		r.byType[t] = append(r.byType[t], e)
	}
	return r
}

// Resolve returns the candidates for req on target, most preferred first.
// An empty result is not an error.
func (r *Resolver) Resolve(req value.ValueRequirement, target value.ComputationTarget) []Candidate {
	var out []Candidate
	for _, e := range r.byType[target.Type()] {
		for _, spec := range r.Results(e.fn, target) {
			if spec.Satisfies(req) {
				out = append(out, Candidate{Function: e.fn, Output: spec.Compose(req), Priority: e.priority})
			}
		}
	}
	return out
}

// Results returns the memoized maximal results of fn on target, or nil if
// fn does not apply.
func (r *Resolver) Results(fn Function, target value.ComputationTarget) []value.ValueSpecification {
	key := fn.ID() + "|" + target.Spec.String()
	specs, _ := r.results.LoadOrCompute(key, func() ([]value.ValueSpecification, bool) {
		if !fn.CanApplyTo(target) {
			return nil, false
		}
		return fn.Results(target), false
	})
	return specs
}

// Len returns the number of functions known to the resolver.
func (r *Resolver) Len() int { return len(r.entries) }
