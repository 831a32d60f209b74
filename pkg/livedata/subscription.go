package livedata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/riskgraph/pkg/metrics"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// ref is a reference counted registration. Once removed is set the ref is
// dead and callers racing with its removal retry with a fresh one.
type ref struct {
	mu         sync.Mutex
	count      int
	removed    bool
	persistent bool
	heartbeat  time.Time
	created    time.Time
}

type refTable[K comparable] struct {
	m *xsync.Map[K, *ref]
}

func newRefTable[K comparable]() refTable[K] {
	return refTable[K]{m: xsync.NewMap[K, *ref]()}
}

// acquire takes a reference on k and runs first under the ref lock when the
// count goes from zero to one. If first fails the reference is not taken.
// The returned ref is locked; the caller must unlock it.
func (t refTable[K]) acquire(k K, now time.Time, first func() error) (*ref, error) {
	for {
		r, _ := t.m.LoadOrCompute(k, func() (*ref, bool) {
			return &ref{created: now}, false
		})
		r.mu.Lock()
		if r.removed {
			r.mu.Unlock()
			continue
		}
		if r.count == 0 && first != nil {
			if err := first(); err != nil {
				t.remove(k, r)
				r.mu.Unlock()
				return nil, err
			}
		}
		r.count++
		r.heartbeat = now
		return r, nil
	}
}

// release drops one reference, or all of them when force is set, and runs
// last under the ref lock when the count reaches zero. It returns the
// remaining count and whether k was registered.
func (t refTable[K]) release(k K, force bool, last func() error) (int, bool, error) {
	r, ok := t.m.Load(k)
	if !ok {
		return 0, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed || r.count == 0 {
		return 0, false, nil
	}
	if force {
		r.count = 0
	} else {
		r.count--
	}
	if r.count > 0 {
		return r.count, true, nil
	}
	// last runs before r is removed so a racing acquire waits for it
	var err error
	if last != nil {
		err = last()
	}
	t.remove(k, r)
	return 0, true, err
}

// remove marks r dead and deletes it if it is still the registered ref.
// Must be called with r.mu held.
func (t refTable[K]) remove(k K, r *ref) {
	r.removed = true
	t.m.Compute(k, func(old *ref, loaded bool) (*ref, xsync.ComputeOp) {
		if loaded && old == r {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

func (t refTable[K]) count(k K) int {
	r, ok := t.m.Load(k)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return 0
	}
	return r.count
}

// SubscriptionInfo describes one active subscription.
type SubscriptionInfo struct {
	Key        Key       `json:"key"`
	Count      int       `json:"count"`
	Persistent bool      `json:"persistent"`
	Created    time.Time `json:"created"`
	Heartbeat  time.Time `json:"heartbeat"`
}

// SubscriptionManager reference counts subscriptions per key and forwards
// the first subscribe and last unsubscribe of each upstream instrument to
// the feed. Upstream calls for one instrument are serialized.
type SubscriptionManager struct {
	feed   Feed
	logger *zap.Logger
	now    func() time.Time

	keys     refTable[Key]
	upstream refTable[string]
	onEnd    func(Key)
}

func NewSubscriptionManager(feed Feed, logger *zap.Logger) *SubscriptionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionManager{
		feed:     feed,
		logger:   logger,
		now:      time.Now,
		keys:     newRefTable[Key](),
		upstream: newRefTable[string](),
	}
}

// OnEnd registers fn to run when the last reference on a key is released,
// either by Unsubscribe or by ExpireStale. It must be set before use.
func (m *SubscriptionManager) OnEnd(fn func(Key)) {
	m.onEnd = fn
}

// Subscribe registers interest in key. Duplicate subscriptions are
// coalesced; only the first reaches the feed. A persistent subscription
// is never expired by ExpireStale.
func (m *SubscriptionManager) Subscribe(ctx context.Context, key Key, persistent bool) error {
	r, err := m.keys.acquire(key, m.now(), func() error {
		up, err := m.upstream.acquire(key.ExternalID, m.now(), func() error {
			return m.feed.Subscribe(ctx, []string{key.ExternalID})
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", key, err)
		}
		up.mu.Unlock()
		metrics.ActiveSubscriptions.Inc()
		m.logger.Debug("Subscribed", zap.Stringer("key", key))
		return nil
	})
	if err != nil {
		return err
	}
	if persistent {
		r.persistent = true
	}
	r.mu.Unlock()
	return nil
}

// Unsubscribe releases one reference on key. The feed is only told once
// the last reference is released. It reports whether the subscription
// ended.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, key Key) (bool, error) {
	remaining, ok, err := m.keys.release(key, false, func() error { return m.dropUpstream(ctx, key) })
	return ok && remaining == 0, err
}

func (m *SubscriptionManager) dropUpstream(ctx context.Context, key Key) error {
	if m.onEnd != nil {
		m.onEnd(key)
	}
	metrics.ActiveSubscriptions.Dec()
	m.logger.Debug("Unsubscribed", zap.Stringer("key", key))
	_, _, err := m.upstream.release(key.ExternalID, false, func() error {
		return m.feed.Unsubscribe(ctx, []string{key.ExternalID})
	})
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", key, err)
	}
	return nil
}

// Heartbeat keeps a non-persistent subscription alive.
func (m *SubscriptionManager) Heartbeat(key Key) bool {
	r, ok := m.keys.m.Load(key)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return false
	}
	r.heartbeat = m.now()
	return true
}

// ExpireStale ends every non-persistent subscription without a heartbeat
// since now-timeout, regardless of its reference count.
func (m *SubscriptionManager) ExpireStale(ctx context.Context, now time.Time, timeout time.Duration) ([]Key, error) {
	cutoff := now.Add(-timeout)
	var stale []Key
	m.keys.m.Range(func(k Key, r *ref) bool {
		r.mu.Lock()
		if !r.removed && !r.persistent && r.heartbeat.Before(cutoff) {
			stale = append(stale, k)
		}
		r.mu.Unlock()
		return true
	})

	var errs []error
	var expired []Key
	for _, k := range stale {
		_, ok, err := m.keys.release(k, true, func() error { return m.dropUpstream(ctx, k) })
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			expired = append(expired, k)
		}
	}
	if len(expired) > 0 {
		m.logger.Info("Expired stale subscriptions", zap.Int("count", len(expired)))
	}
	return expired, errors.Join(errs...)
}

// Reestablish re-sends every active upstream subscription to the feed in
// one batch, after the feed has reconnected.
func (m *SubscriptionManager) Reestablish(ctx context.Context) error {
	var ids []string
	m.upstream.m.Range(func(id string, r *ref) bool {
		r.mu.Lock()
		if !r.removed && r.count > 0 {
			ids = append(ids, id)
		}
		r.mu.Unlock()
		return true
	})
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	m.logger.Info("Re-establishing subscriptions", zap.Int("count", len(ids)))
	return m.feed.Subscribe(ctx, ids)
}

// Count returns the number of references held on key.
func (m *SubscriptionManager) Count(key Key) int {
	return m.keys.count(key)
}

// IsSubscribed reports whether key has at least one subscriber.
func (m *SubscriptionManager) IsSubscribed(key Key) bool {
	return m.keys.count(key) > 0
}

// Subscriptions lists the active subscriptions sorted by key.
func (m *SubscriptionManager) Subscriptions() []SubscriptionInfo {
	var out []SubscriptionInfo
	m.keys.m.Range(func(k Key, r *ref) bool {
		r.mu.Lock()
		if !r.removed && r.count > 0 {
			out = append(out, SubscriptionInfo{Key: k, Count: r.count, Persistent: r.persistent, Created: r.created, Heartbeat: r.heartbeat})
		}
		r.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Len returns the number of active subscriptions.
func (m *SubscriptionManager) Len() int {
	return len(m.Subscriptions())
}
