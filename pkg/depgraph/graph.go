package depgraph

import (
	"fmt"
	"io"
	"sort"

	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/value"
)

// Terminal is a requested output and the specification chosen for it.
type Terminal struct {
	Requirement value.ValueRequirement   `json:"requirement"`
	Spec        value.ValueSpecification `json:"spec"`
}

// Graph is the dependency graph built for one calculation configuration.
// It is immutable once built, except for Prune.
type Graph struct {
	name      string
	nodes     map[int]*Node
	producers map[string]*Node
	terminals map[string]Terminal
	failures  []Failure
}

func newGraph(name string) *Graph {
	return &Graph{
		name:      name,
		nodes:     map[int]*Node{},
		producers: map[string]*Node{},
		terminals: map[string]Terminal{},
	}
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns every node ordered by id.
func (g *Graph) Nodes() []*Node { return sortedNodes(g.nodes) }

func (g *Graph) Node(id int) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Producer returns the node producing spec.
func (g *Graph) Producer(spec value.ValueSpecification) (*Node, bool) {
	n, ok := g.producers[spec.Key()]
	return n, ok
}

// Terminals returns the retained terminal outputs ordered by requirement.
func (g *Graph) Terminals() []Terminal {
	out := make([]Terminal, 0, len(g.terminals))
	for _, t := range g.terminals {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requirement.Key() < out[j].Requirement.Key() })
	return out
}

// TerminalOutputs maps requirement keys to the specification satisfying them.
func (g *Graph) TerminalOutputs() map[string]value.ValueSpecification {
	out := make(map[string]value.ValueSpecification, len(g.terminals))
	for k, t := range g.terminals {
		out[k] = t.Spec
	}
	return out
}

// Failures returns the terminal requirements that could not be satisfied.
func (g *Graph) Failures() []Failure {
	return append([]Failure(nil), g.failures...)
}

// LiveDataRequirements returns the outputs of market data nodes, i.e. the
// values that must come from a snapshot.
func (g *Graph) LiveDataRequirements() []value.ValueSpecification {
	m := map[string]value.ValueSpecification{}
	for _, n := range g.nodes {
		if n.Kind() != function.KindMarketData {
			continue
		}
		for k, s := range n.outputs {
			m[k] = s
		}
	}
	return sortedSpecs(m)
}

// Targets returns every target a node is computed on.
func (g *Graph) Targets() []value.TargetSpecification {
	seen := map[value.TargetSpecification]bool{}
	out := make([]value.TargetSpecification, 0)
	for _, n := range g.Nodes() {
		if !seen[n.target.Spec] {
			seen[n.target.Spec] = true
			out = append(out, n.target.Spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ExecutionOrder returns the nodes in dependency order, inputs first. Ties
// are broken by node id so the order is stable.
func (g *Graph) ExecutionOrder() []*Node {
	pending := make(map[int]int, len(g.nodes))
	var ready []*Node
	for id, n := range g.nodes {
		pending[id] = len(n.inNodes)
		if len(n.inNodes) == 0 {
			ready = append(ready, n)
		}
	}
	out := make([]*Node, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].id < ready[j].id })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, d := range n.outNodes {
			pending[d.id]--
			if pending[d.id] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return out
}

// Prune drops terminals rejected by keep (nil keeps all), then removes
// every node and output no retained terminal needs. Returns the number of
// nodes removed. Pruning an already pruned graph removes nothing.
func (g *Graph) Prune(keep func(Terminal) bool) int {
	if keep != nil {
		for k, t := range g.terminals {
			if !keep(t) {
				delete(g.terminals, k)
			}
		}
	}

	needed := map[string]bool{}
	var stack []*Node
	for _, t := range g.terminals {
		key := t.Spec.Key()
		if needed[key] {
			continue
		}
		needed[key] = true
		if n, ok := g.producers[key]; ok {
			stack = append(stack, n)
		}
	}
	visited := map[int]bool{}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n.id] {
			continue
		}
		visited[n.id] = true
		for k := range n.inputs {
			needed[k] = true
			if p, ok := g.producers[k]; ok {
				stack = append(stack, p)
			}
		}
	}

	removed := 0
	for id, n := range g.nodes {
		if visited[id] {
			for k := range n.outputs {
				if !needed[k] {
					delete(n.outputs, k)
					delete(g.producers, k)
				}
			}
			continue
		}
		for k := range n.outputs {
			delete(g.producers, k)
		}
		for _, in := range n.inNodes {
			delete(in.outNodes, id)
		}
		for _, d := range n.outNodes {
			delete(d.inNodes, id)
		}
		delete(g.nodes, id)
		removed++
	}
	return removed
}

// Dump writes a human readable listing of the graph.
func (g *Graph) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "graph %q: %d nodes, %d terminals, %d failures\n",
		g.name, len(g.nodes), len(g.terminals), len(g.failures)); err != nil {
		return err
	}
	for _, n := range g.ExecutionOrder() {
		if _, err := fmt.Fprintf(w, "%s [%s]\n", n, n.Kind()); err != nil {
			return err
		}
		for _, in := range n.Inputs() {
			if _, err := fmt.Fprintf(w, "  <- %s\n", in.Key()); err != nil {
				return err
			}
		}
		for _, out := range n.Outputs() {
			if _, err := fmt.Fprintf(w, "  -> %s\n", out.Key()); err != nil {
				return err
			}
		}
	}
	for _, t := range g.Terminals() {
		if _, err := fmt.Fprintf(w, "terminal %s = %s\n", t.Requirement.Key(), t.Spec.Key()); err != nil {
			return err
		}
	}
	for _, f := range g.failures {
		if _, err := fmt.Fprintf(w, "failed %s: %s\n", f.Requirement.Key(), f.Reason); err != nil {
			return err
		}
	}
	return nil
}
