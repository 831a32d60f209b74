// Package badgerstore persists cache fields in a local badger database.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/riskgraph/pkg/cache"
	"github.com/dgraph-io/badger/v3"
)

const keyPrefix = "cache/"

type Store struct {
	db  *badger.DB
	ttl time.Duration
}

var _ cache.Store = (*Store)(nil)

// Open opens (or creates) a database at path. An empty path opens an
// in-memory database.
func Open(path string, ttl time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func entityPrefix(entity string) []byte {
	return []byte(keyPrefix + entity + "\x00")
}

func fieldKey(entity, field string) []byte {
	return append(entityPrefix(entity), field...)
}

func (s *Store) Get(_ context.Context, entity string, fields []string) (map[string]cache.Field, error) {
	out := make(map[string]cache.Field, len(fields))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, f := range fields {
			item, err := txn.Get(fieldKey(entity, f))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(v []byte) error {
				field, err := cache.Decode(v)
				if err != nil {
					return err
				}
				out[f] = field
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Put(_ context.Context, entity string, values map[string]cache.Field) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for f, v := range values {
			b, err := cache.Encode(v)
			if err != nil {
				return err
			}
			e := badger.NewEntry(fieldKey(entity, f), b)
			if s.ttl > 0 {
				e = e.WithTTL(s.ttl)
			}
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Invalidate(_ context.Context, entity string) error {
	prefix := entityPrefix(entity)
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
