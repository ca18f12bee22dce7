package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canopy-network/dappscope/pkg/logging"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	// Stream is the Redis stream name to consume from (required).
	Stream string

	// Group is the consumer group name. Without a group the consumer reads with XREAD and
	// nothing is acknowledged.
	Group string

	// Consumer names this process within the group. Required if Group is set.
	Consumer string

	// LastID is where a group is created ("0" = whole stream, "$" = new entries only) or
	// where a group-less consumer starts reading. Default: "0".
	LastID string

	// Count is the max number of entries to read per batch. Default: 100.
	Count int64

	// Block is how long one read waits for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is the first wait after a read error; it doubles up to MaxRetryInterval.
	// Defaults: 1 second and 30 seconds.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	Logger *zap.Logger
}

// MessageHandler processes one entry. A nil return acknowledges it; an error leaves it
// pending so it is delivered again after a restart.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is a single stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// StreamConsumer reads a stream with at-least-once delivery and reconnects on errors.
type StreamConsumer struct {
	client *Client
	config StreamConsumerConfig
	logger *zap.Logger
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

	if config.LastID == "" {
		config.LastID = "0"
	}
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}

	return &StreamConsumer{
		client: client,
		config: config,
		logger: logging.OrNop(config.Logger).With(zap.String("stream", config.Stream)),
	}, nil
}

// Run calls handler for every entry until ctx is done. In group mode it first replays the
// entries this consumer received before but never acknowledged.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	if sc.config.Group != "" {
		if err := sc.client.XGroupCreateMkStream(ctx, sc.config.Stream, sc.config.Group, sc.config.LastID); err != nil {
			return err
		}
		sc.logger.Info("Consumer group ready",
			zap.String("group", sc.config.Group),
			zap.String("consumer", sc.config.Consumer))
	}

	cursor := sc.config.LastID
	if sc.config.Group != "" {
		cursor = "0"
	}
	retryInterval := sc.config.RetryInterval

	for {
		if err := ctx.Err(); err != nil {
			sc.logger.Info("Stream consumer shutting down", zap.String("group", sc.config.Group))
			return err
		}

		messages, err := sc.readMessages(ctx, cursor)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			sc.logger.Warn("Error reading from stream, will retry",
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))

			timer := time.NewTimer(retryInterval)
			select {
			case <-timer.C:
				retryInterval = min(retryInterval*2, sc.config.MaxRetryInterval)
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			continue
		}
		retryInterval = sc.config.RetryInterval

		if sc.config.Group != "" && cursor != ">" && len(messages) == 0 {
			// Pending backlog drained; switch to new entries.
			cursor = ">"
			continue
		}

		for _, msg := range messages {
			if err := sc.processMessage(ctx, handler, msg); err != nil {
				sc.logger.Error("Error processing message",
					zap.String("id", msg.ID),
					zap.Error(err))
			}
			if sc.config.Group == "" || cursor != ">" {
				// Advance past the entry: the group-less position, or the pending replay
				// position so a failing entry is not retried forever.
				cursor = msg.ID
			}
		}
	}
}

func (sc *StreamConsumer) readMessages(ctx context.Context, cursor string) ([]Message, error) {
	var (
		streams []redis.XStream
		err     error
	)
	if sc.config.Group != "" {
		block := sc.config.Block
		if cursor != ">" {
			// Pending reads return immediately.
			block = -1
		}
		streams, err = sc.client.XReadGroup(ctx, sc.config.Group, sc.config.Consumer, sc.config.Stream, cursor, sc.config.Count, block)
	} else {
		streams, err = sc.client.XRead(ctx, sc.config.Stream, cursor, sc.config.Count, sc.config.Block)
	}
	if err != nil {
		return nil, err
	}

	var messages []Message
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{
				ID:     xmsg.ID,
				Stream: stream.Stream,
				Values: xmsg.Values,
			})
		}
	}
	return messages, nil
}

func (sc *StreamConsumer) processMessage(ctx context.Context, handler MessageHandler, msg Message) error {
	if err := handler(ctx, msg); err != nil {
		return err
	}
	if sc.config.Group != "" {
		if _, err := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, msg.ID); err != nil {
			sc.logger.Warn("Failed to acknowledge message",
				zap.String("id", msg.ID),
				zap.Error(err))
		}
	}
	return nil
}

// GetData returns the "data" field, where producers put the JSON-encoded event.
func (m *Message) GetData() []byte {
	switch data := m.Values["data"].(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	}
	return nil
}
