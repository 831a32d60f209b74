package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/riskgraph/pkg/depgraph"
	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/metrics"
	"github.com/canopy-network/riskgraph/pkg/value"
	"go.uber.org/zap"
)

// Status is the outcome of one produced value.
type Status string

const (
	StatusOK Status = "OK"
	// StatusMissingMarketData means the snapshot had no value for the spec.
	StatusMissingMarketData Status = "MISSING_MARKET_DATA"
	// StatusMissingInputs means at least one input of the producing node
	// was not available.
	StatusMissingInputs Status = "MISSING_INPUTS"
	// StatusFailed means the function returned an error, panicked, or did
	// not produce the output it promised.
	StatusFailed Status = "FAILED"
)

// MarketData is the read side of a frozen snapshot.
type MarketData interface {
	Query(spec value.ValueSpecification) (any, bool)
}

// Result is the outcome for one specification.
type Result struct {
	Spec   value.ValueSpecification `json:"spec"`
	Value  any                      `json:"value,omitempty"`
	Status Status                   `json:"status"`
	Reason string                   `json:"reason,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusOK }

// TerminalResult is the outcome for a requested output.
type TerminalResult struct {
	Requirement value.ValueRequirement `json:"requirement"`
	Result
}

// Results holds every value produced while evaluating one graph.
type Results struct {
	Graph     string           `json:"graph"`
	Terminals []TerminalResult `json:"terminals"`
	// Failures are the terminal outputs the compiler could not satisfy.
	Failures []depgraph.Failure `json:"failures,omitempty"`
	Duration time.Duration      `json:"duration"`

	values map[string]Result
}

// Value returns the result recorded for spec.
func (r *Results) Value(spec value.ValueSpecification) (Result, bool) {
	res, ok := r.values[spec.Key()]
	return res, ok
}

// Terminal returns the result of the terminal requested by req.
func (r *Results) Terminal(req value.ValueRequirement) (TerminalResult, bool) {
	for _, t := range r.Terminals {
		if t.Requirement.Key() == req.Key() {
			return t, true
		}
	}
	return TerminalResult{}, false
}

// Len is the number of values recorded, intermediate ones included.
func (r *Results) Len() int { return len(r.values) }

// nodeEvaluator produces the results for every output of n.
type nodeEvaluator func(ctx context.Context, n *depgraph.Node, values map[string]Result, md MarketData) []Result

// Evaluator executes compiled graphs against a market data snapshot. Nodes
// are evaluated in dependency order; a missing input marks the dependent
// outputs as missing rather than failing the evaluation.
type Evaluator struct {
	logger   *zap.Logger
	dispatch map[function.Kind]nodeEvaluator
}

func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{logger: logger}
	e.dispatch = map[function.Kind]nodeEvaluator{
		function.KindMarketData: e.marketData,
		function.KindCompute:    e.compute,
	}
	return e
}

// Evaluate runs every node of g. It only returns an error when ctx is done
// or g contains a node kind the evaluator cannot dispatch.
func (e *Evaluator) Evaluate(ctx context.Context, g *depgraph.Graph, md MarketData) (*Results, error) {
	start := time.Now()
	order := g.ExecutionOrder()
	values := make(map[string]Result, len(order))
	for _, n := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		eval, ok := e.dispatch[n.Kind()]
		if !ok {
			return nil, fmt.Errorf("graph %s: node %d: no evaluator for kind %s", g.Name(), n.ID(), n.Kind())
		}
		for _, r := range eval(ctx, n, values, md) {
			values[r.Spec.Key()] = r
			metrics.EvaluationsTotal.WithLabelValues(string(r.Status)).Inc()
		}
	}

	out := &Results{
		Graph:    g.Name(),
		Failures: g.Failures(),
		values:   values,
	}
	for _, t := range g.Terminals() {
		res, ok := values[t.Spec.Key()]
		if !ok {
			res = Result{Spec: t.Spec, Status: StatusFailed, Reason: "not evaluated"}
		}
		out.Terminals = append(out.Terminals, TerminalResult{Requirement: t.Requirement, Result: res})
	}
	out.Duration = time.Since(start)

	e.logger.Debug("Graph evaluated",
		zap.String("graph", g.Name()),
		zap.Int("nodes", len(order)),
		zap.Int("terminals", len(out.Terminals)),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func (e *Evaluator) marketData(_ context.Context, n *depgraph.Node, _ map[string]Result, md MarketData) []Result {
	outputs := n.Outputs()
	out := make([]Result, 0, len(outputs))
	for _, spec := range outputs {
		if md == nil {
			out = append(out, Result{Spec: spec, Status: StatusMissingMarketData, Reason: "no snapshot"})
			continue
		}
		v, ok := md.Query(spec)
		if !ok {
			out = append(out, Result{Spec: spec, Status: StatusMissingMarketData, Reason: "not in snapshot"})
			continue
		}
		out = append(out, Result{Spec: spec, Value: v, Status: StatusOK})
	}
	return out
}

func (e *Evaluator) compute(ctx context.Context, n *depgraph.Node, values map[string]Result, _ MarketData) []Result {
	outputs := n.Outputs()

	inputs := make([]value.ComputedValue, 0, len(n.Inputs()))
	var missing []string
	for _, spec := range n.Inputs() {
		r, ok := values[spec.Key()]
		if !ok || !r.OK() {
			missing = append(missing, spec.Key())
			continue
		}
		inputs = append(inputs, value.ComputedValue{Spec: spec, Value: r.Value})
	}
	if len(missing) > 0 {
		reason := fmt.Sprintf("missing inputs: %v", missing)
		return fill(outputs, StatusMissingInputs, reason)
	}

	produced, err := e.execute(ctx, n, function.NewInputs(inputs...), outputs)
	if err != nil {
		e.logger.Warn("Function failed",
			zap.String("function", n.FunctionID()),
			zap.String("target", n.Target().String()),
			zap.Error(err))
		return fill(outputs, StatusFailed, err.Error())
	}

	byKey := make(map[string]any, len(produced))
	for _, cv := range produced {
		byKey[cv.Spec.Key()] = cv.Value
	}
	out := make([]Result, 0, len(outputs))
	for _, spec := range outputs {
		v, ok := byKey[spec.Key()]
		if !ok {
			out = append(out, Result{Spec: spec, Status: StatusFailed, Reason: "output not produced"})
			continue
		}
		out = append(out, Result{Spec: spec, Value: v, Status: StatusOK})
	}
	return out
}

func (e *Evaluator) execute(ctx context.Context, n *depgraph.Node, in function.Inputs, desired []value.ValueSpecification) (out []value.ComputedValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return n.Function().Execute(ctx, n.Target(), in, desired)
}

func fill(specs []value.ValueSpecification, status Status, reason string) []Result {
	out := make([]Result, len(specs))
	for i, spec := range specs {
		out[i] = Result{Spec: spec, Status: status, Reason: reason}
	}
	return out
}
