package subscription

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads change messages published on a Redis channel.
type RedisSource struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

// SubscribeRedis subscribes to channel and waits for the server to confirm the
// subscription, so no message published after it returns is missed.
func SubscribeRedis(ctx context.Context, rc *redis.Client, channel string) (*RedisSource, error) {
	sub := rc.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &RedisSource{sub: sub, ch: sub.Channel()}, nil
}

func (s *RedisSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return []byte(msg.Payload), nil
	}
}

func (s *RedisSource) Close() error {
	return s.sub.Close()
}
