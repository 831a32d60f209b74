// Package redisstore keeps cache fields in Redis, one hash per entity.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/riskgraph/pkg/cache"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "riskgraph:cache:"

type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ cache.Store = (*Store)(nil)

// New returns a store. Hashes expire ttl after their last write; zero
// disables expiry.
func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *Store) key(entity string) string {
	return s.prefix + entity
}

func (s *Store) Get(ctx context.Context, entity string, fields []string) (map[string]cache.Field, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.key(entity), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", entity, err)
	}
	out := make(map[string]cache.Field, len(fields))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		f, err := cache.Decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out[fields[i]] = f
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, entity string, values map[string]cache.Field) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for f, v := range values {
		b, err := cache.Encode(v)
		if err != nil {
			return err
		}
		args = append(args, f, b)
	}
	key := s.key(entity)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, args...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hset %s: %w", entity, err)
	}
	return nil
}

func (s *Store) Invalidate(ctx context.Context, entity string) error {
	return s.rdb.Del(ctx, s.key(entity)).Err()
}
