package revalidation

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Debouncer suppresses duplicate schedules of the same key within a
// window.  Acquire reports false when the key is already held.
type Debouncer interface {
	Acquire(ctx context.Context, key string, window time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisDebouncer holds keys as expiring Redis entries.
type RedisDebouncer struct {
	client *redis.Client
	prefix string
}

// NewRedisDebouncer returns a debouncer on client.  A nil client yields a
// debouncer that always acquires, leaving duplicate suppression to the
// task store.
func NewRedisDebouncer(client *redis.Client) Debouncer {
	if client == nil {
		return noDebounce{}
	}
	return &RedisDebouncer{client: client, prefix: "reval:debounce:"}
}

func (d *RedisDebouncer) Acquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		window = time.Second
	}
	return d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Unix(), window).Result()
}

func (d *RedisDebouncer) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

type noDebounce struct{}

func (noDebounce) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (noDebounce) Release(context.Context, string) error                        { return nil }
