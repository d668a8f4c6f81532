package messaging

import (
	"context"

	rediscache "github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/redis"
)

// cacheClient adapts the Redis cache to RedisClient.
type cacheClient struct {
	cache *rediscache.Cache
}

// NewRedisClient returns a RedisClient backed by cache.
func NewRedisClient(cache *rediscache.Cache) RedisClient {
	return cacheClient{cache: cache}
}

func (c cacheClient) Publish(ctx context.Context, channel string, message []byte) error {
	return c.cache.Publish(ctx, channel, message)
}

// Subscribe waits for the subscription to be confirmed before returning so
// that no message published afterwards is missed.
func (c cacheClient) Subscribe(ctx context.Context, channel string) (<-chan RedisMessage, func() error, error) {
	ps := c.cache.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan RedisMessage)
	src := ps.Channel()
	go func() {
		defer close(out)
		for m := range src {
			select {
			case out <- RedisMessage{Channel: m.Channel, Payload: m.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, ps.Close, nil
}
