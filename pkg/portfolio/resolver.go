package portfolio

import (
	"sync"

	"github.com/canopy-network/riskgraph/pkg/value"
)

// TargetResolver turns a target specification back into a resolved target.
type TargetResolver interface {
	Resolve(spec value.TargetSpecification) (value.ComputationTarget, bool)
}

// Resolver indexes a portfolio and any registered primitives. Resolve is
// safe for concurrent use; primitives may be added while compiling.
type Resolver struct {
	mu         sync.RWMutex
	targets    map[value.TargetSpecification]value.ComputationTarget
	portfolios []*Portfolio
}

func NewResolver() *Resolver {
	return &Resolver{targets: map[value.TargetSpecification]value.ComputationTarget{}}
}

// Index validates p, links positions to their securities and makes every
// target reachable through Resolve.
func (r *Resolver) Index(p *Portfolio) error {
	if err := p.Validate(); err != nil {
		return err
	}
	securities := make(map[value.UniqueID]*Security, len(p.Securities))
	for _, s := range p.Securities {
		securities[s.ID] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range p.Securities {
		t := SecurityTarget(s)
		r.targets[t.Spec] = t
	}
	var link func(n *Node)
	link = func(n *Node) {
		t := NodeTarget(n)
		r.targets[t.Spec] = t
		for _, pos := range n.Positions {
			pos.security = securities[pos.SecurityID]
			pt := PositionTarget(pos)
			r.targets[pt.Spec] = pt
		}
		for _, c := range n.Children {
			link(c)
		}
	}
	link(p.Root)
	r.portfolios = append(r.portfolios, p)
	return nil
}

// AddPrimitive registers a primitive target such as a currency or curve.
func (r *Resolver) AddPrimitive(id value.UniqueID, v any) value.ComputationTarget {
	t := value.NewTarget(value.TargetPrimitive, id, v)
	r.mu.Lock()
	r.targets[t.Spec] = t
	r.mu.Unlock()
	return t
}

func (r *Resolver) Resolve(spec value.TargetSpecification) (value.ComputationTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[spec]
	if !ok && spec.Type == value.TargetPrimitive {
		// unregistered primitives resolve to themselves
		return value.NewTarget(value.TargetPrimitive, spec.ID, nil), true
	}
	return t, ok
}

// Len returns the number of indexed targets.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}
