// Package engine evaluates compiled views against market data snapshots and
// keeps track of the views a service has compiled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/canopy-network/riskgraph/pkg/view"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var ErrUnknownView = errors.New("unknown view")

// LiveData is the part of the live data server the engine depends on.
type LiveData interface {
	Snapshotter
	Subscribe(ctx context.Context, specs []value.ValueSpecification, persistent bool) error
	Unsubscribe(ctx context.Context, specs []value.ValueSpecification) error
}

// Engine owns the compiled views of a service. A view holds a persistent
// subscription on its live data requirements from Compile until Remove.
type Engine struct {
	compiler *view.Compiler
	live     LiveData
	cycle    *Cycle
	views    *xsync.Map[string, *view.CompiledView]
	logger   *zap.Logger
}

func New(compiler *view.Compiler, live LiveData, cycle *Cycle, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cycle == nil {
		cycle = NewCycle(WithCycleLogger(logger))
	}
	return &Engine{
		compiler: compiler,
		live:     live,
		cycle:    cycle,
		views:    xsync.NewMap[string, *view.CompiledView](),
		logger:   logger,
	}
}

// Compile compiles def over p and subscribes to its live data.
func (e *Engine) Compile(ctx context.Context, def *view.Definition, p *portfolio.Portfolio) (*view.CompiledView, error) {
	v, err := e.compiler.Compile(ctx, def, p)
	if err != nil {
		return nil, err
	}
	if err := e.live.Subscribe(ctx, v.LiveDataRequirements, true); err != nil {
		return nil, fmt.Errorf("subscribe live data for view %s: %w", def.Name, err)
	}
	e.views.Store(v.ID, v)
	return v, nil
}

func (e *Engine) View(id string) (*view.CompiledView, bool) {
	return e.views.Load(id)
}

// Views returns the compiled views, oldest first.
func (e *Engine) Views() []*view.CompiledView {
	out := make([]*view.CompiledView, 0, e.views.Size())
	e.views.Range(func(_ string, v *view.CompiledView) bool {
		out = append(out, v)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompiledAt.Equal(out[j].CompiledAt) {
			return out[i].CompiledAt.Before(out[j].CompiledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove forgets a view and releases its subscriptions.
func (e *Engine) Remove(ctx context.Context, id string) error {
	v, ok := e.views.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, id)
	}
	return e.live.Unsubscribe(ctx, v.LiveDataRequirements)
}

// Run evaluates view id against a snapshot taken as of asOf.
func (e *Engine) Run(ctx context.Context, id string, asOf time.Time) (*CycleResult, error) {
	v, ok := e.views.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, id)
	}
	return e.cycle.Run(ctx, v, e.live, asOf)
}

// Close removes every view.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for _, v := range e.Views() {
		if err := e.Remove(ctx, v.ID); err != nil && !errors.Is(err, ErrUnknownView) {
			errs = append(errs, err)
		}
	}
	e.compiler.Close()
	return errors.Join(errs...)
}
