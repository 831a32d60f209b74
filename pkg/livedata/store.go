package livedata

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Key identifies one LKV entry: an upstream instrument under one
// normalization rule set.
type Key struct {
	ExternalID string `json:"externalId"`
	RuleSet    string `json:"ruleSet"`
}

func (k Key) String() string { return k.RuleSet + "/" + k.ExternalID }

type fieldValue struct {
	value any
	seq   uint64
}

type entry struct {
	mu      sync.Mutex
	fields  map[string]fieldValue
	seq     uint64
	updated time.Time
	// notify is closed and replaced on every tick and on invalidation.
	notify  chan struct{}
	waiters int
	removed bool
}

// Store is the last-known-value table. Entries live in a concurrent hash
// map and each has its own lock, so a tick only serializes with readers
// and writers of the same key.
type Store struct {
	entries *xsync.Map[Key, *entry]
	seq     atomic.Uint64
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		entries: xsync.NewMap[Key, *entry](),
		now:     time.Now,
	}
}

// lock returns the live entry for key, created if needed, with its lock
// held.
func (s *Store) lock(key Key) *entry {
	for {
		e, _ := s.entries.LoadOrCompute(key, func() (*entry, bool) {
			return &entry{fields: map[string]fieldValue{}, notify: make(chan struct{})}, false
		})
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// remove marks e dead, deletes it if it is still the entry for key and
// wakes its waiters. Must be called with e.mu held.
func (s *Store) remove(key Key, e *entry) {
	e.removed = true
	s.entries.Compute(key, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if loaded && old == e {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	close(e.notify)
}

// OnTick merges fields into the entry for key and returns the receipt
// sequence assigned to the tick. A field keeps the value of the tick with
// the highest sequence, so a tick that loses the race for the entry lock
// cannot overwrite a newer one.
func (s *Store) OnTick(key Key, fields map[string]any) uint64 {
	seq := s.seq.Add(1)
	if len(fields) == 0 {
		return seq
	}
	e := s.lock(key)
	defer e.mu.Unlock()
	for name, v := range fields {
		if cur, ok := e.fields[name]; ok && cur.seq > seq {
			continue
		}
		e.fields[name] = fieldValue{value: v, seq: seq}
	}
	if seq > e.seq {
		e.seq = seq
		e.updated = s.now()
	}
	close(e.notify)
	e.notify = make(chan struct{})
	return seq
}

// Fields is a copy of an entry's fields.
type Fields map[string]any

// Get returns a copy of the fields for key.
func (s *Store) Get(key Key) (Fields, bool) {
	e, ok := s.entries.Load(key)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.fields) == 0 {
		return nil, false
	}
	out := make(Fields, len(e.fields))
	for k, v := range e.fields {
		out[k] = v.value
	}
	return out, true
}

// Field returns the latest value of one field.
func (s *Store) Field(key Key, name string) (any, bool) {
	e, ok := s.entries.Load(key)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.fields[name]
	return v.value, ok
}

// Updated returns when key last received a tick and its receipt sequence.
func (s *Store) Updated(key Key) (time.Time, uint64, bool) {
	e, ok := s.entries.Load(key)
	if !ok {
		return time.Time{}, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updated, e.seq, len(e.fields) > 0
}

// Watch returns a channel closed by the next tick for key or by its
// invalidation. The returned release must be called once the caller stops
// waiting; an entry without data is dropped when its last watcher leaves.
func (s *Store) Watch(key Key) (<-chan struct{}, func()) {
	e := s.lock(key)
	defer e.mu.Unlock()
	e.waiters++
	ch := e.notify
	return ch, sync.OnceFunc(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.waiters--
		if e.waiters == 0 && len(e.fields) == 0 && !e.removed {
			s.remove(key, e)
		}
	})
}

// Invalidate drops the entry for key and wakes its watchers.
func (s *Store) Invalidate(key Key) {
	e, ok := s.entries.Load(key)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removed {
		s.remove(key, e)
	}
}

// Size returns the number of entries, including those only held by
// watchers.
func (s *Store) Size() int {
	return s.entries.Size()
}

// Keys returns the keys holding data, sorted.
func (s *Store) Keys() []Key {
	var keys []Key
	s.entries.Range(func(k Key, e *entry) bool {
		e.mu.Lock()
		has := len(e.fields) > 0
		e.mu.Unlock()
		if has {
			keys = append(keys, k)
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of keys holding data.
func (s *Store) Len() int {
	return len(s.Keys())
}
