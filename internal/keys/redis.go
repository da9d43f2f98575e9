package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "librarian:key-status:"

// RedisStatuses shares key statuses between processes through Redis.
type RedisStatuses struct {
	client *redis.Client
}

// NewRedisStatuses connects to the Redis server at url and checks it
// responds. A url that is not a redis:// URL is used as a host:port address.
func NewRedisStatuses(ctx context.Context, url string) (*RedisStatuses, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStatuses{client: client}, nil
}

// Get implements Statuses.
func (r *RedisStatuses) Get(ctx context.Context, apiKey string) (Status, error) {
	v, err := r.client.Get(ctx, redisKeyPrefix+Fingerprint(apiKey)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("get key status: %w", err)
	}
	return Status(v), nil
}

// Set implements Statuses.
func (r *RedisStatuses) Set(ctx context.Context, apiKey string, status Status) error {
	err := r.client.Set(ctx, redisKeyPrefix+Fingerprint(apiKey), string(status), status.ttl()).Err()
	if err != nil {
		return fmt.Errorf("set key status: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisStatuses) Close() error {
	return r.client.Close()
}
