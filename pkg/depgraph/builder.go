// Package depgraph compiles value requirements over a portfolio into a
// dependency graph of function applications.
package depgraph

import (
	"errors"
	"fmt"
	"math"

	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/value"
	"go.uber.org/zap"
)

// Reason explains why a requirement could not be satisfied.
type Reason string

const (
	ReasonNoCandidates        Reason = "NO_CANDIDATES"
	ReasonCycle               Reason = "CYCLE"
	ReasonInputsUnsatisfied   Reason = "INPUTS_UNSATISFIED"
	ReasonLateResultsRejected Reason = "LATE_RESULTS_REJECTED"
	ReasonUnknownTarget       Reason = "UNKNOWN_TARGET"
)

// Failure records an unsatisfiable terminal requirement.
type Failure struct {
	Requirement value.ValueRequirement `json:"requirement"`
	Reason      Reason                 `json:"reason"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Requirement.Key(), f.Reason)
}

var ErrBuilt = errors.New("graph already built")

type Options struct {
	Name string
	// Functions resolves requirements to candidate functions.
	Functions *function.Resolver
	Targets   portfolio.TargetResolver
	// Availability answers whether a requirement can be sourced from live
	// data. Nil means nothing is.
	Availability livedata.Availability
	// PreferMarketData checks live data before trying functions.
	PreferMarketData bool
	Logger           *zap.Logger
}

// Builder resolves requirements for one calculation configuration. It is
// not safe for concurrent use.
type Builder struct {
	opts   Options
	logger *zap.Logger
	graph  *Graph
	nextID int
	built  bool

	resolved map[string]value.ValueSpecification
	failed   map[string]Reason
	byFn     map[string]*Node
	live     map[string]*Node

	// stack depth of each requirement and function application being
	// resolved
	reqOnStack map[string]int
	fnOnStack  map[string]int
}

func NewBuilder(opts Options) *Builder {
	if opts.Availability == nil {
		opts.Availability = livedata.NoneAvailable
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		opts:       opts,
		logger:     logger.With(zap.String("config", opts.Name)),
		graph:      newGraph(opts.Name),
		resolved:   map[string]value.ValueSpecification{},
		failed:     map[string]Reason{},
		byFn:       map[string]*Node{},
		live:       map[string]*Node{},
		reqOnStack: map[string]int{},
		fnOnStack:  map[string]int{},
	}
}

// AddTarget resolves req as a terminal output. Failure to resolve is
// recorded on the graph rather than returned.
func (b *Builder) AddTarget(req value.ValueRequirement) error {
	if b.built {
		return ErrBuilt
	}
	spec, reason, ok := b.resolve(req)
	if !ok {
		b.graph.failures = append(b.graph.failures, Failure{Requirement: req, Reason: reason})
		b.logger.Debug("Terminal output unsatisfied",
			zap.String("requirement", req.Key()),
			zap.String("reason", string(reason)))
		return nil
	}
	b.graph.terminals[req.Key()] = Terminal{Requirement: req, Spec: spec}
	return nil
}

// AddRequirement resolves req into the graph without making it a terminal
// output; unless a terminal needs it, pruning removes it again.
func (b *Builder) AddRequirement(req value.ValueRequirement) (value.ValueSpecification, bool, error) {
	if b.built {
		return value.ValueSpecification{}, false, ErrBuilt
	}
	spec, _, ok := b.resolve(req)
	return spec, ok, nil
}

// Build freezes and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	if b.built {
		return nil, ErrBuilt
	}
	b.built = true
	return b.graph, nil
}

// attempt is one candidate function being tried for a frame.
type attempt struct {
	cand      function.Candidate
	fnKey     string
	reqs      []value.ValueRequirement
	next      int
	bindings  []function.InputBinding
	output    value.ValueSpecification
	finalized bool
}

const (
	untainted = math.MaxInt
	// taintedByGraph marks outcomes that depended on the graph built so
	// far; they are never memoized.
	taintedByGraph = -1
)

// frame is one requirement being resolved.
type frame struct {
	req         value.ValueRequirement
	depth       int
	target      value.ComputationTarget
	cands       []function.Candidate
	next        int
	att         *attempt
	reason      Reason
	liveChecked bool
	// taint is the lowest stack depth the outcome depended on. An outcome
	// depending on a frame below its own is only valid while that frame is
	// being resolved and is not memoized.
	taint int
}

type result struct {
	spec   value.ValueSpecification
	ok     bool
	reason Reason
	taint  int
}

func (f *frame) taintWith(depth int) {
	if depth < f.taint {
		f.taint = depth
	}
}

func (f *frame) fail(reason Reason) {
	if f.reason == "" {
		f.reason = reason
	}
}

func fnTargetKey(fnID string, t value.TargetSpecification) string {
	return fnID + "|" + t.String()
}

// resolve runs the resolution state machine for req on an explicit stack.
func (b *Builder) resolve(req value.ValueRequirement) (value.ValueSpecification, Reason, bool) {
	if spec, ok := b.resolved[req.Key()]; ok {
		return spec, "", true
	}
	if reason, ok := b.failed[req.Key()]; ok {
		return value.ValueSpecification{}, reason, false
	}

	stack := []*frame{b.push(req, 0)}
	var ret result
	returning := false
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if returning {
			returning = false
			b.accept(f, ret)
		}
		r, child, done := b.step(f)
		if !done {
			stack = append(stack, b.push(child, len(stack)))
			continue
		}
		r.taint = f.taint
		stack = stack[:len(stack)-1]
		b.pop(f, r)
		ret = r
		returning = true
	}
	return ret.spec, ret.reason, ret.ok
}

func (b *Builder) push(req value.ValueRequirement, depth int) *frame {
	f := &frame{req: req, depth: depth, taint: untainted}
	b.reqOnStack[req.Key()] = depth
	target, ok := b.opts.Targets.Resolve(req.Target)
	if !ok {
		f.reason = ReasonUnknownTarget
		f.cands = nil
		f.liveChecked = true
		return f
	}
	f.target = target
	f.cands = b.opts.Functions.Resolve(req, target)
	return f
}

func (b *Builder) pop(f *frame, r result) {
	delete(b.reqOnStack, f.req.Key())
	if r.taint < f.depth {
		return
	}
	if r.ok {
		b.resolved[f.req.Key()] = r.spec
		return
	}
	b.failed[f.req.Key()] = r.reason
}

// accept hands the result of a child frame to its parent.
func (b *Builder) accept(f *frame, r result) {
	a := f.att
	f.taintWith(r.taint)
	if r.ok {
		a.bindings = append(a.bindings, function.InputBinding{Spec: r.spec, Requirement: a.reqs[a.next]})
		a.next++
		return
	}
	if r.reason == ReasonCycle {
		b.abandon(f, ReasonCycle)
		return
	}
	b.abandon(f, ReasonInputsUnsatisfied)
}

func (b *Builder) abandon(f *frame, reason Reason) {
	b.release(f)
	f.fail(reason)
}

// release takes the current attempt's function off the stack.
func (b *Builder) release(f *frame) {
	if f.att == nil {
		return
	}
	delete(b.fnOnStack, f.att.fnKey)
	f.att = nil
}

// step advances f until it needs a child requirement resolved or finishes.
func (b *Builder) step(f *frame) (result, value.ValueRequirement, bool) {
	for {
		if f.att == nil {
			if b.opts.PreferMarketData && !f.liveChecked {
				f.liveChecked = true
				if spec, ok := b.liveData(f.req); ok {
					return result{spec: spec, ok: true}, value.ValueRequirement{}, true
				}
			}
			if f.next >= len(f.cands) {
				if !f.liveChecked {
					f.liveChecked = true
					if spec, ok := b.liveData(f.req); ok {
						return result{spec: spec, ok: true}, value.ValueRequirement{}, true
					}
				}
				f.fail(ReasonNoCandidates)
				return result{reason: f.reason}, value.ValueRequirement{}, true
			}
			c := f.cands[f.next]
			f.next++
			key := fnTargetKey(c.Function.ID(), f.target.Spec)
			if depth, ok := b.fnOnStack[key]; ok {
				f.taintWith(depth)
				f.fail(ReasonCycle)
				continue
			}
			reqs, ok := c.Function.Requirements(f.target, c.Output)
			if !ok {
				f.fail(ReasonInputsUnsatisfied)
				continue
			}
			f.att = &attempt{cand: c, fnKey: key, reqs: reqs}
			b.fnOnStack[key] = f.depth
		}

		a := f.att
		if a.next < len(a.reqs) {
			in := a.reqs[a.next]
			if spec, ok := b.resolved[in.Key()]; ok {
				a.bindings = append(a.bindings, function.InputBinding{Spec: spec, Requirement: in})
				a.next++
				continue
			}
			if reason, ok := b.failed[in.Key()]; ok {
				if reason == ReasonCycle {
					b.abandon(f, ReasonCycle)
				} else {
					b.abandon(f, ReasonInputsUnsatisfied)
				}
				continue
			}
			if depth, ok := b.reqOnStack[in.Key()]; ok {
				f.taintWith(depth)
				b.abandon(f, ReasonCycle)
				continue
			}
			return result{}, in, false
		}

		if !a.finalized {
			a.finalized = true
			a.output = a.cand.Output
			if lr, ok := a.cand.Function.(function.LateResolver); ok {
				out, ok := b.lateOutput(lr, f, a)
				if !ok {
					b.abandon(f, ReasonLateResultsRejected)
					continue
				}
				a.output = out
			}
			if ar, ok := a.cand.Function.(function.AdditionalRequirer); ok {
				extra := ar.AdditionalRequirements(f.target, inputSpecs(a.bindings), []value.ValueSpecification{a.output})
				if len(extra) > 0 {
					a.reqs = append(a.reqs, extra...)
					continue
				}
			}
		}

		if !b.commit(f.target, a) {
			f.taintWith(taintedByGraph)
			b.abandon(f, ReasonCycle)
			continue
		}
		out := a.output
		b.release(f)
		return result{spec: out, ok: true}, value.ValueRequirement{}, true
	}
}

func (b *Builder) lateOutput(lr function.LateResolver, f *frame, a *attempt) (value.ValueSpecification, bool) {
	inputs := make(map[string]function.InputBinding, len(a.bindings))
	for _, in := range a.bindings {
		inputs[in.Spec.Key()] = in
	}
	for _, spec := range lr.LateResults(f.target, inputs) {
		if spec.Satisfies(f.req) {
			return spec.Compose(f.req), true
		}
	}
	return value.ValueSpecification{}, false
}

func inputSpecs(bindings []function.InputBinding) []value.ValueSpecification {
	out := make([]value.ValueSpecification, 0, len(bindings))
	for _, in := range bindings {
		out = append(out, in.Spec)
	}
	return out
}

// commit adds the attempt to the graph, merging into the existing node for
// the same function and target. It refuses merges that would close a cycle.
func (b *Builder) commit(target value.ComputationTarget, a *attempt) bool {
	n, exists := b.byFn[a.fnKey]
	producers := make([]*Node, 0, len(a.bindings))
	for _, in := range a.bindings {
		p, ok := b.graph.producers[in.Spec.Key()]
		if !ok {
			continue
		}
		if exists && reaches(p, n) {
			return false
		}
		producers = append(producers, p)
	}
	if !exists {
		n = b.newNode(a.cand.Function, target)
		b.byFn[a.fnKey] = n
	}
	for _, in := range a.bindings {
		n.inputs[in.Spec.Key()] = in.Spec
	}
	for _, p := range producers {
		n.inNodes[p.id] = p
		p.outNodes[n.id] = n
	}
	key := a.output.Key()
	n.outputs[key] = a.output
	if _, ok := b.graph.producers[key]; !ok {
		b.graph.producers[key] = n
	}
	return true
}

// liveData sources req from the market if it is available.
func (b *Builder) liveData(req value.ValueRequirement) (value.ValueSpecification, bool) {
	if !b.opts.Availability.IsAvailable(req) {
		return value.ValueSpecification{}, false
	}
	spec := function.MarketDataSpec(req)
	key := spec.Key()
	if _, ok := b.live[key]; !ok {
		target, _ := b.opts.Targets.Resolve(req.Target)
		n := b.newNode(function.MarketDataSourcing, target)
		n.outputs[key] = spec
		b.live[key] = n
		b.graph.producers[key] = n
	}
	return spec, true
}

func (b *Builder) newNode(fn function.Function, target value.ComputationTarget) *Node {
	n := newNode(b.nextID, fn, target)
	b.nextID++
	b.graph.nodes[n.id] = n
	return n
}
