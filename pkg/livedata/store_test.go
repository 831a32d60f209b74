package livedata

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreMerge(t *testing.T) {
	s := NewStore()
	k := Key{ExternalID: "TICKER~AAPL", RuleSet: RawRuleSet}

	_, ok := s.Get(k)
	assert.False(t, ok)

	s.OnTick(k, map[string]any{"bid": 1.0, "ask": 2.0})
	s.OnTick(k, map[string]any{"bid": 1.5})

	fields, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, Fields{"bid": 1.5, "ask": 2.0}, fields)

	// returned fields are a copy
	fields["bid"] = 99.0
	v, _ := s.Field(k, "bid")
	assert.Equal(t, 1.5, v)

	updated, seq, ok := s.Updated(k)
	require.True(t, ok)
	assert.False(t, updated.IsZero())
	assert.Equal(t, uint64(2), seq)

	assert.Equal(t, []Key{k}, s.Keys())
	s.Invalidate(k)
	assert.Equal(t, 0, s.Len())
}

func TestStoreEmptyTickHasNoData(t *testing.T) {
	s := NewStore()
	k := Key{ExternalID: "X", RuleSet: RawRuleSet}
	s.OnTick(k, nil)
	_, ok := s.Get(k)
	assert.False(t, ok)
	assert.Empty(t, s.Keys())
}

func TestStoreWatch(t *testing.T) {
	s := NewStore()
	k := Key{ExternalID: "X", RuleSet: RawRuleSet}
	changed, release := s.Watch(k)
	defer release()

	select {
	case <-changed:
		t.Fatal("changed before any tick")
	default:
	}
	// a watched entry does not count as data
	assert.Empty(t, s.Keys())

	go s.OnTick(k, map[string]any{"last": 1})
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watch not released by the first tick")
	}

	// every tick wakes the watchers of the moment, not just the first
	next, releaseNext := s.Watch(k)
	defer releaseNext()
	s.OnTick(k, map[string]any{"other": 2})
	select {
	case <-next:
	default:
		t.Fatal("watch not released by a later tick")
	}
	v, _ := s.Field(k, "last")
	assert.Equal(t, 1, v)
}

func TestStoreWatchWithoutDataIsDropped(t *testing.T) {
	s := NewStore()
	for i := 0; i < 100; i++ {
		_, release := s.Watch(Key{ExternalID: fmt.Sprintf("K%d", i), RuleSet: RawRuleSet})
		release()
		release()
	}
	assert.Equal(t, 0, s.Size())

	k := Key{ExternalID: "held", RuleSet: RawRuleSet}
	_, first := s.Watch(k)
	_, second := s.Watch(k)
	first()
	assert.Equal(t, 1, s.Size(), "entry kept while a watcher remains")
	second()
	assert.Equal(t, 0, s.Size())

	// entries holding data survive their watchers
	_, release := s.Watch(k)
	s.OnTick(k, map[string]any{"last": 1})
	release()
	assert.Equal(t, 1, s.Size())
}

func TestStoreInvalidateWakesWatchers(t *testing.T) {
	s := NewStore()
	k := Key{ExternalID: "X", RuleSet: RawRuleSet}
	s.OnTick(k, map[string]any{"last": 1})

	changed, release := s.Watch(k)
	defer release()
	s.Invalidate(k)
	select {
	case <-changed:
	default:
		t.Fatal("invalidate did not wake the watcher")
	}
	_, ok := s.Field(k, "last")
	assert.False(t, ok)

	// a fresh watch sees ticks arriving after the invalidation
	again, releaseAgain := s.Watch(k)
	defer releaseAgain()
	s.OnTick(k, map[string]any{"last": 2})
	select {
	case <-again:
	default:
		t.Fatal("tick after invalidate did not wake the watcher")
	}
	v, _ := s.Field(k, "last")
	assert.Equal(t, 2, v)
}

func TestStoreConcurrentTicks(t *testing.T) {
	s := NewStore()
	const keys, ticks = 16, 200

	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		k := Key{ExternalID: fmt.Sprintf("K%d", i), RuleSet: RawRuleSet}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < ticks; j++ {
				s.OnTick(k, map[string]any{"n": j})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < ticks; j++ {
				_, _ = s.Get(k)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, keys, s.Len())
	for i := 0; i < keys; i++ {
		v, ok := s.Field(Key{ExternalID: fmt.Sprintf("K%d", i), RuleSet: RawRuleSet}, "n")
		require.True(t, ok)
		assert.Equal(t, ticks-1, v)
	}
}
