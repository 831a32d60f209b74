package cache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type memField struct {
	Field
	expires time.Time
}

// MemoryStore keeps fields in process memory. Entity maps are replaced on
// write, never mutated, so readers need no lock.
type MemoryStore struct {
	entities *xsync.Map[string, map[string]memField]
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore returns a store whose fields expire after ttl; zero keeps
// them forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entities: xsync.NewMap[string, map[string]memField](),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, entity string, fields []string) (map[string]Field, error) {
	m, ok := s.entities.Load(entity)
	if !ok {
		return nil, nil
	}
	now := s.now()
	out := make(map[string]Field, len(fields))
	for _, f := range fields {
		v, ok := m[f]
		if !ok || (!v.expires.IsZero() && now.After(v.expires)) {
			continue
		}
		out[f] = v.Field
	}
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, entity string, values map[string]Field) error {
	now := s.now()
	var expires time.Time
	if s.ttl > 0 {
		expires = now.Add(s.ttl)
	}
	s.entities.Compute(entity, func(old map[string]memField, _ bool) (map[string]memField, xsync.ComputeOp) {
		next := make(map[string]memField, len(old)+len(values))
		for k, v := range old {
			if !v.expires.IsZero() && now.After(v.expires) {
				continue
			}
			next[k] = v
		}
		for k, v := range values {
			next[k] = memField{Field: v, expires: expires}
		}
		return next, xsync.UpdateOp
	})
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, entity string) error {
	s.entities.Delete(entity)
	return nil
}

// Fields returns the number of fields stored for entity, expired ones
// included.
func (s *MemoryStore) Fields(entity string) int {
	m, _ := s.entities.Load(entity)
	return len(m)
}

// Len returns the number of cached entities.
func (s *MemoryStore) Len() int {
	return s.entities.Size()
}
