package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/canopy-network/riskgraph/pkg/retry"
	"go.uber.org/zap"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	// Stream is the stream to consume (required).
	Stream string

	// Group enables consumer group mode with Consumer as the member name.
	Group    string
	Consumer string

	// StartID is where a plain consumer starts reading: "0" replays the
	// stream, "$" only sees new entries. Default: "$".
	StartID string

	// BatchSize caps entries per read. Default: 100.
	BatchSize int64

	// Block is how long a read waits for new entries. Default: 2 seconds.
	Block time.Duration

	// RetryInterval and MaxRetryInterval bound the backoff after read errors.
	// Defaults: 500ms and 30s.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	Logger *zap.Logger
}

// MessageHandler processes one entry. In group mode the entry is only
// acknowledged when the handler returns nil.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is a single stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// StreamConsumer reads a stream until its context is cancelled, backing off
// on errors.
type StreamConsumer struct {
	client *Client
	config StreamConsumerConfig
	logger *zap.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
}

func NewStreamConsumer(client *Client, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if config.Group != "" && config.Consumer == "" {
		return nil, errors.New("consumer name is required when using consumer groups")
	}

	if config.StartID == "" {
		config.StartID = "$"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Block <= 0 {
		config.Block = 2 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 500 * time.Millisecond
	}
	if config.MaxRetryInterval <= 0 {
		config.MaxRetryInterval = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConsumer{client: client, config: config, logger: logger}, nil
}

// Processed and Failed count handled entries since start.
func (sc *StreamConsumer) Processed() uint64 { return sc.processed.Load() }
func (sc *StreamConsumer) Failed() uint64    { return sc.failed.Load() }

// Run blocks until ctx is done.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	if sc.config.Group != "" {
		if err := sc.client.XGroupCreateMkStream(ctx, sc.config.Stream, sc.config.Group, "0"); err != nil {
			return err
		}
		sc.logger.Info("Consumer group ready",
			zap.String("stream", sc.config.Stream),
			zap.String("group", sc.config.Group),
			zap.String("consumer", sc.config.Consumer))
	}

	backoff := retry.Config{
		InitialDelay: sc.config.RetryInterval,
		MaxDelay:     sc.config.MaxRetryInterval,
		Multiplier:   2,
	}
	lastID := sc.config.StartID
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			sc.logger.Info("Stream consumer stopped", zap.String("stream", sc.config.Stream))
			return err
		}

		batch, err := sc.read(ctx, lastID)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case IsNil(err):
			continue
		default:
			failures++
			delay := retry.Backoff(backoff, failures)
			sc.logger.Warn("Stream read failed",
				zap.String("stream", sc.config.Stream),
				zap.Int("failures", failures),
				zap.Duration("retryIn", delay),
				zap.Error(err))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		for _, msg := range batch {
			if sc.config.Group == "" {
				lastID = msg.ID
			}
			if err := handler(ctx, msg); err != nil {
				sc.failed.Add(1)
				sc.logger.Error("Stream entry handler failed",
					zap.String("stream", msg.Stream),
					zap.String("id", msg.ID),
					zap.Error(err))
				continue
			}
			sc.processed.Add(1)
			if sc.config.Group != "" {
				if _, err := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, msg.ID); err != nil {
					sc.logger.Warn("Failed to acknowledge stream entry", zap.String("id", msg.ID), zap.Error(err))
				}
			}
		}
	}
}

func (sc *StreamConsumer) read(ctx context.Context, lastID string) ([]Message, error) {
	streams := []string{sc.config.Stream}
	var (
		res []XStream
		err error
	)
	if sc.config.Group != "" {
		res, err = sc.client.XReadGroup(ctx, sc.config.Group, sc.config.Consumer, streams, []string{">"}, sc.config.BatchSize, sc.config.Block)
	} else {
		res, err = sc.client.XRead(ctx, streams, []string{lastID}, sc.config.BatchSize, sc.config.Block)
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Stream: s.Stream, Values: m.Values})
		}
	}
	return out, nil
}

// Data returns the "data" field of a message, or nil.
func (m *Message) Data() []byte {
	switch data := m.Values["data"].(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	}
	return nil
}

// Field returns a string field of a message.
func (m *Message) Field(name string) string {
	if v, ok := m.Values[name].(string); ok {
		return v
	}
	return ""
}
