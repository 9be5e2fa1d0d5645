// Package consumer wraps franz-go group consumption behind a small handler
// interface. Offsets are marked only after the handler succeeds, so a crash
// replays unprocessed messages; handlers must be idempotent.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a single record delivered to a handler.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message. Returning an error stops the consumer
// without marking the offset, so the message is redelivered after restart.
// Return nil for malformed messages that should be skipped.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// Consumer polls a consumer group and dispatches records to a Handler.
type Consumer struct {
	client    *kgo.Client
	handler   Handler
	logger    *slog.Logger
	closeOnce sync.Once
}

// Option configures the Consumer.
type Option func(*Consumer)

// WithLogger sets a logger for poll diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// New joins the given consumer group subscribed to topics.
func New(brokers []string, group string, topics []string, handler Handler, opts ...Option) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	c := &Consumer{
		client:  client,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until the context is cancelled or a handler fails.
// Marked offsets are committed before returning.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.commitAndClose()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			msg := &Message{
				Topic:     record.Topic,
				Key:       record.Key,
				Value:     record.Value,
				Partition: record.Partition,
				Offset:    record.Offset,
				Timestamp: record.Timestamp,
			}

			if err := c.handler.Handle(ctx, msg); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				return fmt.Errorf("handle %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}
			c.client.MarkCommitRecords(record)
		}
	}
}

// Close commits marked offsets and leaves the group.
func (c *Consumer) Close() {
	c.commitAndClose()
}

func (c *Consumer) commitAndClose() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.client.CommitMarkedOffsets(ctx); err != nil {
			c.logger.Warn("failed to commit marked offsets", "error", err)
		}
		c.client.Close()
	})
}
