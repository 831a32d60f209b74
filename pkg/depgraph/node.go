package depgraph

import (
	"fmt"
	"sort"

	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/value"
)

// Node is one production step: a function applied to a target, consuming
// the outputs of its input nodes.
type Node struct {
	id       int
	fn       function.Function
	target   value.ComputationTarget
	inputs   map[string]value.ValueSpecification
	outputs  map[string]value.ValueSpecification
	inNodes  map[int]*Node
	outNodes map[int]*Node
}

func newNode(id int, fn function.Function, target value.ComputationTarget) *Node {
	return &Node{
		id:       id,
		fn:       fn,
		target:   target,
		inputs:   map[string]value.ValueSpecification{},
		outputs:  map[string]value.ValueSpecification{},
		inNodes:  map[int]*Node{},
		outNodes: map[int]*Node{},
	}
}

func (n *Node) ID() int                         { return n.id }
func (n *Node) Function() function.Function     { return n.fn }
func (n *Node) FunctionID() string              { return n.fn.ID() }
func (n *Node) Kind() function.Kind             { return n.fn.Kind() }
func (n *Node) Target() value.ComputationTarget { return n.target }

// Inputs returns the consumed specifications ordered by key.
func (n *Node) Inputs() []value.ValueSpecification { return sortedSpecs(n.inputs) }

// Outputs returns the produced specifications ordered by key.
func (n *Node) Outputs() []value.ValueSpecification { return sortedSpecs(n.outputs) }

// InputNodes returns the producers of this node's inputs ordered by id.
func (n *Node) InputNodes() []*Node { return sortedNodes(n.inNodes) }

// Dependents returns the nodes consuming this node's outputs ordered by id.
func (n *Node) Dependents() []*Node { return sortedNodes(n.outNodes) }

func (n *Node) Produces(spec value.ValueSpecification) bool {
	_, ok := n.outputs[spec.Key()]
	return ok
}

func (n *Node) String() string {
	return fmt.Sprintf("#%d %s on %s", n.id, n.fn.ID(), n.target.Spec)
}

func sortedSpecs(m map[string]value.ValueSpecification) []value.ValueSpecification {
	out := make([]value.ValueSpecification, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func sortedNodes(m map[int]*Node) []*Node {
	out := make([]*Node, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// reaches reports whether to is from itself or one of its transitive inputs.
func reaches(from, to *Node) bool {
	seen := map[int]bool{}
	stack := []*Node{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n.id] {
			continue
		}
		seen[n.id] = true
		for _, in := range n.inNodes {
			stack = append(stack, in)
		}
	}
	return false
}
