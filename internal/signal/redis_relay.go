package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisRelay mirrors events onto a Redis pub/sub channel so observers in other processes
// sharing the same backend see the same hints.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, log: log}
}

func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Forward delivers events received on the channel to dst until ctx is done.
func (r *RedisRelay) Forward(ctx context.Context, dst Publisher) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed so no early publish is missed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.log.Warn().Err(err).Str("channel", r.channel).Msg("signal: dropping malformed payload")
				continue
			}
			if err := dst.Publish(ctx, event); err != nil {
				r.log.Warn().Err(err).Msg("signal: forward failed")
			}
		}
	}
}
