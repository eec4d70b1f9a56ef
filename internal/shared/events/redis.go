package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/serbia-gov/followup/internal/shared/config"
)

// RedisPublisher appends events to a Redis stream. Consumers (notification
// workers, dashboards) read with XREAD/XREADGROUP.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher creates a publisher with its own client
func NewRedisPublisher(cfg config.RedisConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPublisherWithClient(client, cfg.Stream, cfg.MaxLen)
}

// NewRedisPublisherWithClient uses an existing client
func NewRedisPublisherWithClient(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = "followup:events"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish adds the event with XADD, trimming the stream approximately to maxLen
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"id":        event.ID,
			"type":      event.Type,
			"source":    event.Source,
			"subject":   event.Subject,
			"actor":     event.Actor,
			"timestamp": event.Timestamp.UnixMilli(),
			"data":      string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", p.stream, err)
	}
	return nil
}

// Health pings Redis
func (p *RedisPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
