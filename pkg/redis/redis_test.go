package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, zaptest.NewLogger(t))
}

func TestSetHelpers(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.Health(ctx))

	require.NoError(t, c.SAdd(ctx, "subs", "a", "b", "c"))
	require.NoError(t, c.SRem(ctx, "subs", "b"))
	require.NoError(t, c.SAdd(ctx, "subs"))

	members, err := c.SMembers(ctx, "subs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestStreamConsumerValidation(t *testing.T) {
	c := newTestClient(t)
	_, err := NewStreamConsumer(nil, StreamConsumerConfig{Stream: "s"})
	assert.Error(t, err)
	_, err = NewStreamConsumer(c, StreamConsumerConfig{})
	assert.Error(t, err)
	_, err = NewStreamConsumer(c, StreamConsumerConfig{Stream: "s", Group: "g"})
	assert.Error(t, err)
}

func consume(t *testing.T, c *Client, cfg StreamConsumerConfig, want int, failID string) ([]string, *StreamConsumer) {
	t.Helper()
	cfg.Block = 20 * time.Millisecond
	cfg.Logger = zaptest.NewLogger(t)
	sc, err := NewStreamConsumer(c, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var seen []string
	err = sc.Run(ctx, func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(msg.Data()))
		if len(seen) >= want {
			cancel()
		}
		if failID != "" && msg.Field("tag") == failID {
			return errors.New("rejected")
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	return seen, sc
}

func TestStreamConsumerPlain(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	for _, d := range []string{"one", "two", "three"} {
		_, err := c.XAdd(ctx, "ticks", map[string]interface{}{"data": d, "tag": d})
		require.NoError(t, err)
	}
	n, err := c.Raw().XLen(ctx, "ticks").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	seen, sc := consume(t, c, StreamConsumerConfig{Stream: "ticks", StartID: "0"}, 3, "two")
	assert.Equal(t, []string{"one", "two", "three"}, seen)
	assert.Equal(t, uint64(2), sc.Processed())
	assert.Equal(t, uint64(1), sc.Failed())
}

func TestStreamConsumerGroup(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	for _, d := range []string{"a", "b"} {
		_, err := c.XAdd(ctx, "ticks", map[string]interface{}{"data": d})
		require.NoError(t, err)
	}

	seen, sc := consume(t, c, StreamConsumerConfig{Stream: "ticks", Group: "g", Consumer: "c1"}, 2, "")
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, uint64(2), sc.Processed())

	// creating the group again is not an error
	require.NoError(t, c.XGroupCreateMkStream(ctx, "ticks", "g", "0"))
}
