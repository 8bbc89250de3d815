// Package messaging provides the Redis Streams and NATS JetStream adapters.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/logger"
)

// Stream names
const (
	StreamSyncRequests = "mirror:sync:requests"
	StreamSyncEvents   = "mirror:sync:events"

	eventStreamMaxLen = 10000
	eventDedupeTTL    = 10 * time.Minute
	eventDedupePrefix = "mirror:event:seen:"
)

// RedisProducer publishes sync requests and sync events to Redis Streams.
type RedisProducer struct {
	client *redis.Client
}

// NewRedisProducer creates a new RedisProducer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// PublishSyncRequest enqueues a manual sync trigger and returns the stream entry id.
func (p *RedisProducer) PublishSyncRequest(ctx context.Context, accountID string, mode domain.SyncMode) (string, error) {
	req := &domain.SyncRequest{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Mode:        mode,
		RequestedAt: time.Now().UTC(),
	}
	return p.publish(ctx, StreamSyncRequests, req, 0)
}

// PublishSyncEvent publishes a lifecycle event once per (run, type).
func (p *RedisProducer) PublishSyncEvent(ctx context.Context, event *domain.SyncEvent) error {
	// 같은 run/상태 이벤트는 한 번만 발행
	fresh, err := p.client.SetNX(ctx, eventDedupePrefix+eventKey(event), 1, eventDedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to dedupe sync event: %w", err)
	}
	if !fresh {
		logger.Debug("[RedisProducer.PublishSyncEvent] duplicate %s for run %s skipped", event.Type, event.RunID)
		return nil
	}

	if _, err := p.publish(ctx, StreamSyncEvents, event, eventStreamMaxLen); err != nil {
		// 재시도 시 다시 발행될 수 있도록 dedupe 키 해제
		p.client.Del(context.WithoutCancel(ctx), eventDedupePrefix+eventKey(event))
		return err
	}
	return nil
}

// publish publishes a job to a stream using go-redis.
func (p *RedisProducer) publish(ctx context.Context, stream string, job any, maxLen int64) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]any{"data": data},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return id, nil
}

func eventKey(event *domain.SyncEvent) string {
	return event.RunID + ":" + string(event.Type)
}

// =============================================================================
// NoopPublisher - EVENTS_BACKEND=none
// =============================================================================

// NoopPublisher drops events.
type NoopPublisher struct{}

func (NoopPublisher) PublishSyncEvent(ctx context.Context, event *domain.SyncEvent) error {
	logger.WithContext(ctx).Debug("[NoopPublisher] %s run=%s processed=%d", event.Type, event.RunID, event.MessagesProcessed)
	return nil
}

var (
	_ out.SyncEventPublisher = (*RedisProducer)(nil)
	_ out.SyncEventPublisher = NoopPublisher{}
)
