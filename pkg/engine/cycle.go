package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/canopy-network/riskgraph/pkg/view"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSnapshotTimeout bounds how long a cycle waits for live data that
// has not arrived yet.
const DefaultSnapshotTimeout = 5 * time.Second

// Snapshotter creates market data snapshots.
type Snapshotter interface {
	Snapshot(asOf time.Time) *livedata.Snapshot
}

// Archiver persists initialized snapshots.
type Archiver interface {
	Save(ctx context.Context, snap *livedata.Snapshot) error
}

// CycleResult is the outcome of evaluating every configuration of a view
// against one snapshot.
type CycleResult struct {
	ID         string                     `json:"id"`
	ViewID     string                     `json:"viewId"`
	SnapshotID string                     `json:"snapshotId"`
	AsOf       time.Time                  `json:"asOf"`
	Missing    []value.ValueSpecification `json:"missing,omitempty"`
	Configs    map[string]*Results        `json:"configs"`
	Errors     map[string]string          `json:"errors,omitempty"`
	Duration   time.Duration              `json:"duration"`
}

type CycleOption func(*Cycle)

func WithSnapshotTimeout(d time.Duration) CycleOption {
	return func(c *Cycle) { c.timeout = d }
}

func WithArchiver(a Archiver) CycleOption {
	return func(c *Cycle) { c.archiver = a }
}

func WithCycleLogger(logger *zap.Logger) CycleOption {
	return func(c *Cycle) { c.logger = logger }
}

// WithCyclePool evaluates configurations on pool. Without a pool they are
// evaluated one after another.
func WithCyclePool(pool pond.Pool) CycleOption {
	return func(c *Cycle) { c.pool = pool }
}

// Cycle runs one calculation cycle per call to Run.
type Cycle struct {
	evaluator *Evaluator
	timeout   time.Duration
	archiver  Archiver
	pool      pond.Pool
	logger    *zap.Logger
}

func NewCycle(opts ...CycleOption) *Cycle {
	c := &Cycle{
		timeout: DefaultSnapshotTimeout,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.evaluator = NewEvaluator(c.logger)
	return c
}

// Run takes a snapshot of the view's live data requirements as of asOf and
// evaluates every compiled configuration against it. Configuration level
// problems are reported in CycleResult.Errors; Run itself only fails when
// the snapshot cannot be initialized or ctx is done.
func (c *Cycle) Run(ctx context.Context, v *view.CompiledView, src Snapshotter, asOf time.Time) (*CycleResult, error) {
	start := time.Now()
	snap := src.Snapshot(asOf)
	if err := snap.Init(ctx, v.LiveDataRequirements, c.timeout); err != nil {
		return nil, fmt.Errorf("init snapshot: %w", err)
	}

	res := &CycleResult{
		ID:         uuid.NewString(),
		ViewID:     v.ID,
		SnapshotID: snap.ID(),
		AsOf:       snap.AsOf(),
		Missing:    snap.Missing(),
		Configs:    make(map[string]*Results, len(v.Graphs)),
		Errors:     map[string]string{},
	}
	for name, err := range v.Errors {
		res.Errors[name] = err.Error()
	}

	if c.archiver != nil {
		if err := c.archiver.Save(ctx, snap); err != nil {
			c.logger.Warn("Failed to archive snapshot", zap.String("snapshot", snap.ID()), zap.Error(err))
		}
	}

	var mu sync.Mutex
	evaluate := func(ctx context.Context, name string) {
		out, err := c.evaluator.Evaluate(ctx, v.Graphs[name], snap)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Errors[name] = err.Error()
			return
		}
		res.Configs[name] = out
	}

	names := v.ConfigNames()
	if c.pool == nil {
		for _, name := range names {
			evaluate(ctx, name)
		}
	} else {
		group := c.pool.NewGroupContext(ctx)
		groupCtx := group.Context()
		for _, name := range names {
			group.Submit(func() { evaluate(groupCtx, name) })
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			c.logger.Warn("Cycle evaluation encountered error", zap.String("view", v.ID), zap.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	c.logger.Info("Cycle completed",
		zap.String("view", v.ID),
		zap.String("snapshot", res.SnapshotID),
		zap.Int("configs", len(res.Configs)),
		zap.Int("missing", len(res.Missing)),
		zap.Duration("duration", res.Duration))
	return res, nil
}
