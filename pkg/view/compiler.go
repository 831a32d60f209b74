package view

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/riskgraph/pkg/depgraph"
	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/metrics"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/utils"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CompiledView is the result of compiling a view over a portfolio.
type CompiledView struct {
	ID         string
	Definition *Definition
	Portfolio  *portfolio.Portfolio
	Graphs     map[string]*depgraph.Graph
	// LiveDataRequirements is the union over all configurations.
	LiveDataRequirements []value.ValueSpecification
	Targets              []value.TargetSpecification
	Failures             map[string][]depgraph.Failure
	// Errors holds configurations that could not be compiled at all.
	Errors     map[string]error
	CompiledAt time.Time
}

// ConfigNames returns the compiled configuration names in definition order.
func (v *CompiledView) ConfigNames() []string {
	out := make([]string, 0, len(v.Graphs))
	for _, c := range v.Definition.CalcConfigs {
		if _, ok := v.Graphs[c.Name]; ok {
			out = append(out, c.Name)
		}
	}
	return out
}

type Option func(*Compiler)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Compiler) { c.logger = logger }
}

// WithPool runs configuration compiles on pool instead of a private one.
func WithPool(pool pond.Pool) Option {
	return func(c *Compiler) { c.pool = pool }
}

func WithParallelism(n int) Option {
	return func(c *Compiler) { c.parallelism = n }
}

func WithPreferMarketData(prefer bool) Option {
	return func(c *Compiler) { c.preferMarketData = prefer }
}

// Compiler compiles views. Configurations of one view compile in parallel;
// each configuration is compiled by a single goroutine.
type Compiler struct {
	functions        *function.Resolver
	availability     livedata.Availability
	pool             pond.Pool
	parallelism      int
	preferMarketData bool
	logger           *zap.Logger
	now              func() time.Time
}

func NewCompiler(functions *function.Resolver, availability livedata.Availability, opts ...Option) *Compiler {
	c := &Compiler{
		functions:    functions,
		availability: availability,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.pool == nil {
		n := c.parallelism
		if n <= 0 {
			n = runtime.NumCPU()
		}
		c.pool = pond.NewPool(n)
	}
	return c
}

// Close stops the compiler's pool.
func (c *Compiler) Close() {
	c.pool.StopAndWait()
}

type configResult struct {
	graph *depgraph.Graph
	err   error
}

// Compile validates def and p, then builds one pruned graph per
// configuration. A configuration that fails is reported in Errors and does
// not affect the others.
func (c *Compiler) Compile(ctx context.Context, def *Definition, p *portfolio.Portfolio) (*CompiledView, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	targets := portfolio.NewResolver()
	if err := targets.Index(p); err != nil {
		return nil, err
	}
	var walked []value.ComputationTarget
	if err := p.Walk(func(t value.ComputationTarget) error {
		walked = append(walked, t)
		return nil
	}); err != nil {
		return nil, err
	}

	results := make([]configResult, len(def.CalcConfigs))
	group := c.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := range def.CalcConfigs {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				results[i] = configResult{err: err}
				return
			}
			results[i] = c.compileConfig(def, def.CalcConfigs[i], targets, walked)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		c.logger.Warn("view compile encountered error", zap.String("view", def.Name), zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	view := &CompiledView{
		ID:         uuid.NewString(),
		Definition: def,
		Portfolio:  p,
		Graphs:     map[string]*depgraph.Graph{},
		Failures:   map[string][]depgraph.Failure{},
		Errors:     map[string]error{},
		CompiledAt: c.now().UTC(),
	}
	live := map[string]value.ValueSpecification{}
	touched := map[value.TargetSpecification]bool{}
	for i, cfg := range def.CalcConfigs {
		r := results[i]
		if r.err != nil {
			view.Errors[cfg.Name] = r.err
			continue
		}
		view.Graphs[cfg.Name] = r.graph
		if f := r.graph.Failures(); len(f) > 0 {
			view.Failures[cfg.Name] = f
		}
		for _, s := range r.graph.LiveDataRequirements() {
			live[s.Key()] = s
		}
		for _, t := range r.graph.Targets() {
			touched[t] = true
		}
	}
	for _, k := range utils.SortedKeys(live) {
		view.LiveDataRequirements = append(view.LiveDataRequirements, live[k])
	}
	for t := range touched {
		view.Targets = append(view.Targets, t)
	}
	sort.Slice(view.Targets, func(i, j int) bool { return view.Targets[i].String() < view.Targets[j].String() })

	c.logger.Info("Compiled view",
		zap.String("view", def.Name),
		zap.String("id", view.ID),
		zap.Int("configs", len(view.Graphs)),
		zap.Int("liveData", len(view.LiveDataRequirements)),
		zap.Int("targets", len(view.Targets)))
	return view, nil
}

func (c *Compiler) compileConfig(def *Definition, cfg CalcConfig, targets portfolio.TargetResolver, walked []value.ComputationTarget) (res configResult) {
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic compiling configuration",
				zap.String("view", def.Name),
				zap.String("config", cfg.Name),
				zap.Any("panic", r))
			res = configResult{err: fmt.Errorf("compile %s: panic: %v", cfg.Name, r)}
		}
	}()

	b := depgraph.NewBuilder(depgraph.Options{
		Name:             cfg.Name,
		Functions:        c.functions,
		Targets:          targets,
		Availability:     c.availability,
		PreferMarketData: c.preferMarketData,
		Logger:           c.logger,
	})
	for _, t := range walked {
		terminal := def.ResultModel.Mode(t.Type()) == OutputAll
		for _, req := range seedRequirements(cfg, t) {
			var err error
			if terminal {
				err = b.AddTarget(req)
			} else {
				_, _, err = b.AddRequirement(req)
			}
			if err != nil {
				return configResult{err: err}
			}
		}
	}
	for _, req := range cfg.SpecificRequirements {
		if err := b.AddTarget(req); err != nil {
			return configResult{err: err}
		}
	}
	g, err := b.Build()
	if err != nil {
		return configResult{err: err}
	}
	removed := g.Prune(nil)

	for _, f := range g.Failures() {
		metrics.CompileFailuresTotal.WithLabelValues(string(f.Reason)).Inc()
	}
	elapsed := c.now().Sub(start)
	metrics.CompileDuration.WithLabelValues(def.Name, cfg.Name).Observe(elapsed.Seconds())
	c.logger.Debug("Compiled configuration",
		zap.String("view", def.Name),
		zap.String("config", cfg.Name),
		zap.Int("nodes", g.Len()),
		zap.Int("pruned", removed),
		zap.Int("failures", len(g.Failures())),
		zap.Duration("elapsed", elapsed))
	return configResult{graph: g}
}

// seedRequirements returns the portfolio requirements of cfg that apply to
// t: positions and securities get the templates of their security type,
// nodes those of every security type held beneath them.
func seedRequirements(cfg CalcConfig, t value.ComputationTarget) []value.ValueRequirement {
	var types []string
	switch v := t.Value.(type) {
	case *portfolio.Node:
		types = portfolio.SecurityTypes(v)
	case *portfolio.Position:
		if s := v.Security(); s != nil {
			types = []string{s.Type}
		}
	case *portfolio.Security:
		types = []string{v.Type}
	}
	seen := map[string]bool{}
	var out []value.ValueRequirement
	for _, st := range types {
		for _, tpl := range cfg.PortfolioRequirements[st] {
			r := cfg.Requirement(tpl, t.Spec)
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
			out = append(out, r)
		}
	}
	return out
}
