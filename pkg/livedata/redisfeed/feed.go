// Package redisfeed connects the live data server to ticks published on a
// Redis stream. The set of instruments the server wants is kept in a Redis
// set so that publishers can restrict themselves to it.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/redis"
	"github.com/canopy-network/riskgraph/pkg/utils"
	"go.uber.org/zap"
)

const (
	DefaultStream          = "riskgraph:ticks"
	DefaultSubscriptionSet = "riskgraph:subscriptions"
)

type Config struct {
	Stream          string
	SubscriptionSet string
	// Group and Consumer enable consumer group reads, letting several
	// servers share one stream.
	Group    string
	Consumer string
	StartID  string
	Block    time.Duration
	Logger   *zap.Logger
}

// ConfigFromEnv reads LIVEDATA_STREAM, LIVEDATA_SUBSCRIPTION_SET,
// LIVEDATA_GROUP, LIVEDATA_CONSUMER and LIVEDATA_BLOCK.
func ConfigFromEnv(logger *zap.Logger) Config {
	return Config{
		Stream:          utils.Env("LIVEDATA_STREAM", DefaultStream),
		SubscriptionSet: utils.Env("LIVEDATA_SUBSCRIPTION_SET", DefaultSubscriptionSet),
		Group:           utils.Env("LIVEDATA_GROUP", ""),
		Consumer:        utils.Env("LIVEDATA_CONSUMER", ""),
		Block:           utils.EnvDuration("LIVEDATA_BLOCK", 2*time.Second),
		Logger:          logger,
	}
}

// Feed implements livedata.Feed over Redis.
type Feed struct {
	client   *redis.Client
	cfg      Config
	consumer *redis.StreamConsumer
	logger   *zap.Logger
}

var _ livedata.Feed = (*Feed)(nil)

func New(client *redis.Client, cfg Config) (*Feed, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.SubscriptionSet == "" {
		cfg.SubscriptionSet = DefaultSubscriptionSet
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	consumer, err := redis.NewStreamConsumer(client, redis.StreamConsumerConfig{
		Stream:   cfg.Stream,
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		StartID:  cfg.StartID,
		Block:    cfg.Block,
		Logger:   cfg.Logger.Named("tick-consumer"),
	})
	if err != nil {
		return nil, err
	}
	return &Feed{client: client, cfg: cfg, consumer: consumer, logger: cfg.Logger}, nil
}

func (f *Feed) Subscribe(ctx context.Context, ids []string) error {
	return f.client.SAdd(ctx, f.cfg.SubscriptionSet, ids...)
}

func (f *Feed) Unsubscribe(ctx context.Context, ids []string) error {
	return f.client.SRem(ctx, f.cfg.SubscriptionSet, ids...)
}

// Subscribed returns the instruments currently requested from publishers.
func (f *Feed) Subscribed(ctx context.Context) ([]string, error) {
	return f.client.SMembers(ctx, f.cfg.SubscriptionSet)
}

// Run consumes the tick stream. Malformed entries are logged and skipped.
func (f *Feed) Run(ctx context.Context, handler livedata.TickHandler) error {
	return f.consumer.Run(ctx, func(ctx context.Context, msg redis.Message) error {
		tick, err := Decode(msg)
		if err != nil {
			return err
		}
		handler(ctx, tick)
		return nil
	})
}

// Publish appends a tick to the stream.
func (f *Feed) Publish(ctx context.Context, externalID string, fields map[string]any) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode tick: %w", err)
	}
	return f.client.XAdd(ctx, f.cfg.Stream, map[string]interface{}{
		"id":   externalID,
		"data": string(data),
		"ts":   strconv.FormatInt(time.Now().UnixNano(), 10),
	})
}

// Decode parses a stream entry written by Publish.
func Decode(msg redis.Message) (livedata.Tick, error) {
	id := msg.Field("id")
	if id == "" {
		return livedata.Tick{}, errors.New("tick without instrument id")
	}
	var fields map[string]any
	if err := json.Unmarshal(msg.Data(), &fields); err != nil {
		return livedata.Tick{}, fmt.Errorf("decode tick %s: %w", msg.ID, err)
	}
	received := time.Now()
	if ts, err := strconv.ParseInt(msg.Field("ts"), 10, 64); err == nil {
		received = time.Unix(0, ts)
	}
	return livedata.Tick{ExternalID: id, Fields: fields, Received: received}, nil
}
