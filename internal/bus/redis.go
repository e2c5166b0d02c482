package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Redis implements EventBus on Redis pub/sub. Subscribe reconnects with
// exponential backoff (capped) when the connection drops; the beat's periodic
// resync covers the gap.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, ev MutationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode mutation event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish mutation event: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, fn func(MutationEvent)) error {
	backoff := reconnectBase
	for {
		err := r.receive(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("event bus disconnected, reconnecting",
			"channel", r.channel, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// receive consumes one subscription until it fails or ctx is done.
func (r *Redis) receive(ctx context.Context, fn func(MutationEvent)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Force the initial SUBSCRIBE so transport errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			var ev MutationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("malformed mutation event", "payload", msg.Payload, "error", err)
				continue
			}
			fn(ev)
		}
	}
}
