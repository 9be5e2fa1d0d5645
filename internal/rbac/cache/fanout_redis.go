package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel role-graph invalidations travel on.
const Channel = "authd:rbac:invalidate"

// RedisFanout broadcasts and receives cache invalidations over Redis
// pub/sub. Pub/sub is fire-and-forget: an instance that misses a message
// converges anyway when its TTLs expire.
type RedisFanout struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisFanout constructs the fan-out.
func NewRedisFanout(client *redis.Client, logger *slog.Logger) *RedisFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFanout{client: client, logger: logger}
}

// Publish broadcasts an invalidation to every subscribed instance.
func (f *RedisFanout) Publish(ctx context.Context, reason string) error {
	if err := f.client.Publish(ctx, Channel, reason).Err(); err != nil {
		return fmt.Errorf("publish rbac invalidation: %w", err)
	}
	return nil
}

// Listen subscribes and purges the local cache on every message. Blocks
// until the context is cancelled; run it in its own goroutine.
func (f *RedisFanout) Listen(ctx context.Context, local *Cache) error {
	sub := f.client.Subscribe(ctx, Channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed so the caller can order
	// startup against it.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe rbac invalidation: %w", err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			local.PurgeAll()
			f.logger.DebugContext(ctx, "rbac cache purged by remote invalidation",
				"reason", msg.Payload)
		}
	}
}
