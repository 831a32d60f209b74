package livedata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/riskgraph/pkg/metrics"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/google/uuid"
)

var ErrSnapshotInitialized = errors.New("snapshot already initialized")

const (
	snapshotNew int32 = iota
	snapshotInitializing
	snapshotReady
)

// SnapshotEntry is one frozen value of a snapshot.
type SnapshotEntry struct {
	Spec  value.ValueSpecification `json:"spec"`
	Key   Key                      `json:"key"`
	Field string                   `json:"field"`
	Value any                      `json:"value"`
}

// Snapshot is a point-in-time view of the LKV store for a fixed set of
// specifications. Once Init returns, later ticks never change it.
type Snapshot struct {
	id    string
	store *Store
	keyOf func(value.ValueSpecification) (Key, string)
	asOf  time.Time
	state atomic.Int32

	mu      sync.RWMutex
	values  map[string]SnapshotEntry
	missing []value.ValueSpecification
}

func newSnapshot(store *Store, keyOf func(value.ValueSpecification) (Key, string), asOf time.Time) *Snapshot {
	return &Snapshot{
		id:     uuid.NewString(),
		store:  store,
		keyOf:  keyOf,
		asOf:   asOf,
		values: map[string]SnapshotEntry{},
	}
}

func (s *Snapshot) ID() string { return s.id }

// AsOf is the requested time, or the time Init read the store.
func (s *Snapshot) AsOf() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asOf
}

func (s *Snapshot) IsInitialized() bool {
	return s.state.Load() == snapshotReady
}

// Init reads the current value of every spec. Specs whose field has not
// been received yet are waited for until timeout elapses or ctx is
// done; whatever is still missing then is reported as not available by
// Query. Init may only be called once.
func (s *Snapshot) Init(ctx context.Context, specs []value.ValueSpecification, timeout time.Duration) error {
	if !s.state.CompareAndSwap(snapshotNew, snapshotInitializing) {
		return ErrSnapshotInitialized
	}

	readAt := time.Now()
	values := make(map[string]SnapshotEntry, len(specs))
	pending := map[Key][]value.ValueSpecification{}
	for _, spec := range specs {
		key, field := s.keyOf(spec)
		if v, ok := s.store.Field(key, field); ok {
			values[spec.Key()] = SnapshotEntry{Spec: spec, Key: key, Field: field, Value: v}
			continue
		}
		pending[key] = append(pending[key], spec)
	}

	if len(pending) > 0 && timeout > 0 {
		s.await(ctx, pending, values, timeout)
	}

	var missing []value.ValueSpecification
	for _, spec := range specs {
		if _, ok := values[spec.Key()]; !ok {
			missing = append(missing, spec)
		}
	}

	s.mu.Lock()
	s.values = values
	s.missing = missing
	if s.asOf.IsZero() {
		s.asOf = readAt
	}
	s.mu.Unlock()
	s.state.Store(snapshotReady)

	metrics.SnapshotsTotal.Inc()
	metrics.SnapshotMissingTotal.Add(float64(len(missing)))
	return nil
}

// await fills values for pending specs as their fields arrive, until all
// are present, the timer fires or ctx is done.
func (s *Snapshot) await(ctx context.Context, pending map[Key][]value.ValueSpecification, values map[string]SnapshotEntry, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(pending) > 0 {
		var wait <-chan struct{}
		var releases []func()
		for key, specs := range pending {
			// watch before reading so a tick in between is not missed
			ch, release := s.store.Watch(key)
			releases = append(releases, release)

			remaining := specs[:0]
			for _, spec := range specs {
				_, field := s.keyOf(spec)
				if v, ok := s.store.Field(key, field); ok {
					values[spec.Key()] = SnapshotEntry{Spec: spec, Key: key, Field: field, Value: v}
					continue
				}
				remaining = append(remaining, spec)
			}
			if len(remaining) == 0 {
				delete(pending, key)
				continue
			}
			pending[key] = remaining
			if wait == nil {
				wait = ch
			}
		}

		done := false
		if wait != nil {
			select {
			case <-wait:
			case <-timer.C:
				done = true
			case <-ctx.Done():
				done = true
			}
		}
		for _, release := range releases {
			release()
		}
		if done {
			return
		}
	}
}

// Query returns the frozen value of spec. It reports false if the
// snapshot is not initialized, spec was not requested, or no data arrived.
func (s *Snapshot) Query(spec value.ValueSpecification) (any, bool) {
	if !s.IsInitialized() {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.values[spec.Key()]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Missing returns the requested specs that had no value.
func (s *Snapshot) Missing() []value.ValueSpecification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]value.ValueSpecification, len(s.missing))
	copy(out, s.missing)
	return out
}

// Entries returns the frozen values sorted by specification key.
func (s *Snapshot) Entries() []SnapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SnapshotEntry, 0, len(s.values))
	for _, e := range s.values {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Key() < out[j].Spec.Key() })
	return out
}
