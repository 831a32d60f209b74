package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/canopy-network/riskgraph/pkg/metrics"
	"github.com/canopy-network/riskgraph/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Field is a cached field value. Absent marks a field the provider was
// asked for and reported as not available.
type Field struct {
	Value  any  `json:"value,omitempty"`
	Absent bool `json:"absent,omitempty"`
}

func Present(v any) Field { return Field{Value: v} }

// NotAvailable is the marker stored for absent fields.
var NotAvailable = Field{Absent: true}

// Request maps entity ids to the field names wanted for each.
type Request map[string][]string

// Response maps entity ids to field values.
type Response map[string]map[string]Field

// Values returns the present fields of entity, dropping absent markers.
func (r Response) Values(entity string) map[string]any {
	out := map[string]any{}
	for k, f := range r[entity] {
		if !f.Absent {
			out[k] = f.Value
		}
	}
	return out
}

// Provider is the reference-data boundary. A field missing from the
// response is treated as not available; an error means nothing is known.
type Provider interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

func (f ProviderFunc) Fetch(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Store is a cache backend. Get returns only the fields it holds.
type Store interface {
	Get(ctx context.Context, entity string, fields []string) (map[string]Field, error)
	Put(ctx context.Context, entity string, values map[string]Field) error
	Invalidate(ctx context.Context, entity string) error
}

// Cache is a field level escalating cache: it only asks its provider for
// the (entity, field) pairs it does not know yet, in one batched call, and
// stores every answer including absent ones. Cache is itself a Provider
// so caches can be layered, e.g. memory over disk over HTTP.
type Cache struct {
	name     string
	store    Store
	provider Provider
	logger   *zap.Logger
	locks    *xsync.Map[string, *entityLock]
}

// entityLock is dropped from the lock table once nobody holds or waits
// for it. refs is only touched inside Compute.
type entityLock struct {
	mu   sync.Mutex
	refs int
}

var _ Provider = (*Cache)(nil)

func New(name string, store Store, provider Provider, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		name:     name,
		store:    store,
		provider: provider,
		logger:   logger,
		locks:    xsync.NewMap[string, *entityLock](),
	}
}

// Get returns the same fields for each entity.
func (c *Cache) Get(ctx context.Context, entities []string, fields []string) (Response, error) {
	req := make(Request, len(entities))
	for _, e := range entities {
		req[e] = fields
	}
	return c.Fetch(ctx, req)
}

// Fetch answers req from the store, escalating missing pairs to the
// provider. Entities involved are locked for the whole call, in sorted
// order, so concurrent callers never fetch the same field twice.
func (c *Cache) Fetch(ctx context.Context, req Request) (Response, error) {
	entities := utils.SortedKeys(req)

	for _, e := range entities {
		defer c.lock(e)()
	}

	out := make(Response, len(req))
	missing := Request{}
	hits := 0
	for _, e := range entities {
		fields := utils.UniqueSorted(req[e])
		known, err := c.store.Get(ctx, e, fields)
		if err != nil {
			return nil, fmt.Errorf("cache %s: read %s: %w", c.name, e, err)
		}
		out[e] = make(map[string]Field, len(fields))
		for _, f := range fields {
			if v, ok := known[f]; ok {
				out[e][f] = v
				hits++
				continue
			}
			missing[e] = append(missing[e], f)
		}
	}
	metrics.CacheFieldsTotal.WithLabelValues(c.name, "hit").Add(float64(hits))
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.provider.Fetch(ctx, missing)
	if err != nil {
		metrics.CacheProviderCallsTotal.WithLabelValues(c.name, "error").Inc()
		return nil, fmt.Errorf("cache %s: provider: %w", c.name, err)
	}
	metrics.CacheProviderCallsTotal.WithLabelValues(c.name, "ok").Inc()

	misses := 0
	for e, fields := range missing {
		got := fetched[e]
		values := make(map[string]Field, len(fields))
		for _, f := range fields {
			v, ok := got[f]
			if !ok {
				v = NotAvailable
			}
			values[f] = v
			out[e][f] = v
		}
		misses += len(fields)
		if err := c.store.Put(ctx, e, values); err != nil {
			return nil, fmt.Errorf("cache %s: write %s: %w", c.name, e, err)
		}
	}
	metrics.CacheFieldsTotal.WithLabelValues(c.name, "miss").Add(float64(misses))
	c.logger.Debug("Fetched missing fields",
		zap.String("cache", c.name),
		zap.Int("entities", len(missing)),
		zap.Int("fields", misses))
	return out, nil
}

// Invalidate forgets everything cached for entity.
func (c *Cache) Invalidate(ctx context.Context, entity string) error {
	defer c.lock(entity)()
	return c.store.Invalidate(ctx, entity)
}

// lock locks entity and returns the matching unlock.
func (c *Cache) lock(entity string) func() {
	l, _ := c.locks.Compute(entity, func(old *entityLock, loaded bool) (*entityLock, xsync.ComputeOp) {
		if !loaded {
			old = &entityLock{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locks.Compute(entity, func(old *entityLock, _ bool) (*entityLock, xsync.ComputeOp) {
			old.refs--
			if old.refs == 0 {
				return nil, xsync.DeleteOp
			}
			return old, xsync.UpdateOp
		})
	}
}

// Locked returns the number of entities currently locked or waited for.
func (c *Cache) Locked() int {
	return c.locks.Size()
}
