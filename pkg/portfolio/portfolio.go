package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/canopy-network/riskgraph/pkg/value"
)

var ErrInvalidPortfolio = errors.New("invalid portfolio")

// Security is a tradable instrument. Type selects the portfolio requirements
// that apply to positions in it.
type Security struct {
	ID         value.UniqueID    `json:"id"`
	Type       string            `json:"type"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Position is a holding of a security inside a portfolio node.
type Position struct {
	ID         value.UniqueID `json:"id"`
	Quantity   float64        `json:"quantity"`
	SecurityID value.UniqueID `json:"securityId"`

	security *Security
}

// Security returns the linked security. It is nil until the owning
// portfolio has been indexed.
func (p *Position) Security() *Security { return p.security }

// Node is a portfolio tree node.
type Node struct {
	ID        value.UniqueID `json:"id"`
	Name      string         `json:"name,omitempty"`
	Positions []*Position    `json:"positions,omitempty"`
	Children  []*Node        `json:"children,omitempty"`
}

// Portfolio is a snapshot of a portfolio tree with its securities already
// resolved.
type Portfolio struct {
	ID         value.UniqueID `json:"id"`
	Name       string         `json:"name,omitempty"`
	Root       *Node          `json:"root"`
	Securities []*Security    `json:"securities"`
}

// Validate rejects portfolios with a missing root, duplicated ids or
// positions on unknown securities.
func (p *Portfolio) Validate() error {
	if p == nil || p.Root == nil {
		return fmt.Errorf("%w: missing root node", ErrInvalidPortfolio)
	}
	securities := make(map[value.UniqueID]bool, len(p.Securities))
	for _, s := range p.Securities {
		if s == nil || s.ID.IsZero() {
			return fmt.Errorf("%w: security without id", ErrInvalidPortfolio)
		}
		if s.Type == "" {
			return fmt.Errorf("%w: security %s has no type", ErrInvalidPortfolio, s.ID)
		}
		if securities[s.ID] {
			return fmt.Errorf("%w: duplicate security %s", ErrInvalidPortfolio, s.ID)
		}
		securities[s.ID] = true
	}

	seen := map[value.UniqueID]bool{}
	var check func(n *Node) error
	check = func(n *Node) error {
		if n == nil || n.ID.IsZero() {
			return fmt.Errorf("%w: node without id", ErrInvalidPortfolio)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidPortfolio, n.ID)
		}
		seen[n.ID] = true
		for _, pos := range n.Positions {
			if pos == nil || pos.ID.IsZero() {
				return fmt.Errorf("%w: position without id in node %s", ErrInvalidPortfolio, n.ID)
			}
			if seen[pos.ID] {
				return fmt.Errorf("%w: duplicate id %s", ErrInvalidPortfolio, pos.ID)
			}
			seen[pos.ID] = true
			if !securities[pos.SecurityID] {
				return fmt.Errorf("%w: position %s references unknown security %s", ErrInvalidPortfolio, pos.ID, pos.SecurityID)
			}
			if math.IsNaN(pos.Quantity) || math.IsInf(pos.Quantity, 0) {
				return fmt.Errorf("%w: position %s has invalid quantity", ErrInvalidPortfolio, pos.ID)
			}
		}
		for _, c := range n.Children {
			if err := check(c); err != nil {
				return err
			}
		}
		return nil
	}
	return check(p.Root)
}

// Walk visits every node (pre-order), each node's positions, and each
// security the first time a position references it.
func (p *Portfolio) Walk(fn func(value.ComputationTarget) error) error {
	visited := map[value.UniqueID]bool{}
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if err := fn(NodeTarget(n)); err != nil {
			return err
		}
		for _, pos := range n.Positions {
			if err := fn(PositionTarget(pos)); err != nil {
				return err
			}
			if sec := pos.security; sec != nil && !visited[sec.ID] {
				visited[sec.ID] = true
				if err := fn(SecurityTarget(sec)); err != nil {
					return err
				}
			}
		}
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(p.Root)
}

// SecurityTypes returns the distinct security types held under n, sorted.
func SecurityTypes(n *Node) []string {
	set := map[string]bool{}
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, pos := range n.Positions {
			if pos.security != nil {
				set[pos.security.Type] = true
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func NodeTarget(n *Node) value.ComputationTarget {
	return value.NewTarget(value.TargetPortfolioNode, n.ID, n)
}

func PositionTarget(p *Position) value.ComputationTarget {
	return value.NewTarget(value.TargetPosition, p.ID, p)
}

func SecurityTarget(s *Security) value.ComputationTarget {
	return value.NewTarget(value.TargetSecurity, s.ID, s)
}
