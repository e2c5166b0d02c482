package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	consumerGroup  = "workers"
	readBlock      = 5 * time.Second
	readBatch      = 10
	reclaimMinIdle = time.Minute
	reclaimEvery   = 30 * time.Second
	payloadField   = "payload"
)

// Redis implements DispatchQueue on a Redis stream with a consumer group.
// Messages are acknowledged only after the handler succeeds; pending entries
// from dead consumers are reclaimed after an idle threshold, which is what
// makes redelivery after a worker crash real.
type Redis struct {
	client   *redis.Client
	stream   string
	consumer string

	lastReclaim time.Time
}

func NewRedis(client *redis.Client, stream string) *Redis {
	return &Redis{
		client:   client,
		stream:   stream,
		consumer: "worker-" + uuid.NewString()[:8],
	}
}

func (q *Redis) Enqueue(ctx context.Context, msg DispatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue dispatch: %w", err)
	}
	return nil
}

func (q *Redis) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		q.reclaimStale(ctx, handler)

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue // block timeout, nothing pending
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("queue read failed", "stream", q.stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				q.deliver(ctx, entry, handler)
			}
		}
	}
}

// deliver runs the handler and acks on success. On failure the entry stays
// pending and is redelivered via reclaim.
func (q *Redis) deliver(ctx context.Context, entry redis.XMessage, handler Handler) {
	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		slog.Warn("dispatch entry without payload, dropping", "id", entry.ID)
		q.client.XAck(ctx, q.stream, consumerGroup, entry.ID)
		return
	}

	var msg DispatchMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		slog.Warn("malformed dispatch, dropping", "id", entry.ID, "error", err)
		q.client.XAck(ctx, q.stream, consumerGroup, entry.ID)
		return
	}

	if err := handler(ctx, msg); err != nil {
		slog.Warn("dispatch handler failed, leaving pending",
			"task", msg.TaskName, "dispatch_id", msg.DispatchID, "error", err)
		return
	}
	if err := q.client.XAck(ctx, q.stream, consumerGroup, entry.ID).Err(); err != nil {
		slog.Warn("dispatch ack failed", "id", entry.ID, "error", err)
	}
}

// reclaimStale takes over pending entries whose consumer went quiet.
func (q *Redis) reclaimStale(ctx context.Context, handler Handler) {
	if time.Since(q.lastReclaim) < reclaimEvery {
		return
	}
	q.lastReclaim = time.Now()

	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    consumerGroup,
		Consumer: q.consumer,
		MinIdle:  reclaimMinIdle,
		Start:    "0-0",
		Count:    readBatch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("queue reclaim failed", "stream", q.stream, "error", err)
		}
		return
	}
	for _, entry := range entries {
		q.deliver(ctx, entry, handler)
	}
}

func (q *Redis) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Len returns the stream depth (delivered but unacked entries included).
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}
