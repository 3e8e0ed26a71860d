package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"loyalty-notify/internal/models"
)

// Redis shares last-sent timestamps between processes. Each record expires
// once its throttle window has passed.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a tracker storing keys under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "notify:throttle:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k models.BufferKey) string {
	return r.prefix + k.String()
}

func (r *Redis) LastSent(ctx context.Context, key models.BufferKey) (time.Time, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read throttle %s: %w", key, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse throttle %s: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (r *Redis) MarkSent(ctx context.Context, key models.BufferKey, at time.Time, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), at.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("write throttle %s: %w", key, err)
	}
	return nil
}
