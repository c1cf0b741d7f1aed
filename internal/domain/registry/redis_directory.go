package registry

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// redisClient defines the subset of go-redis the directory needs.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

var _ Directory = (*RedisDirectory)(nil)

// RedisDirectory stores presence in one hash per user: field = instance id,
// value = connection count. The key expires after ttl so a crashed instance
// does not pin users online forever.
type RedisDirectory struct {
	client redisClient
	ttl    time.Duration
}

func NewRedisDirectory(client redisClient, ttl time.Duration) (*RedisDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisDirectory{client: client, ttl: ttl}, nil
}

func presenceKey(userID model.UserID) string {
	return "im:presence:" + userID.String()
}

func (d *RedisDirectory) Apply(ctx context.Context, p model.Presence) error {
	key := presenceKey(p.UserID)

	if p.Connections <= 0 {
		if err := d.client.HDel(ctx, key, p.InstanceID).Err(); err != nil {
			return fmt.Errorf("hdel presence %s: %w", key, err)
		}
		return nil
	}

	if err := d.client.HSet(ctx, key, p.InstanceID, p.Connections).Err(); err != nil {
		return fmt.Errorf("hset presence %s: %w", key, err)
	}
	if d.ttl > 0 {
		if err := d.client.Expire(ctx, key, d.ttl).Err(); err != nil {
			return fmt.Errorf("expire presence %s: %w", key, err)
		}
	}
	return nil
}

func (d *RedisDirectory) InstancesFor(ctx context.Context, userID model.UserID) ([]string, error) {
	ids, err := d.client.HKeys(ctx, presenceKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("hkeys presence: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
