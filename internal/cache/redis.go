package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tagTTL is longer than any view TTL.
const tagTTL = time.Hour

// RedisBackend shares views across API replicas. Each tag is a Redis set
// of the keys carrying it.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "novora:cache:"}
}

func (r *RedisBackend) key(name string) string { return r.prefix + "v:" + name }
func (r *RedisBackend) tag(name string) string { return r.prefix + "t:" + name }

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return raw, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	full := r.key(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, full, value, ttl)
		for _, t := range tags {
			pipe.SAdd(ctx, r.tag(t), full)
			pipe.Expire(ctx, r.tag(t), tagTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (r *RedisBackend) Invalidate(ctx context.Context, tags ...string) (int, error) {
	removed := 0
	for _, t := range tags {
		members, err := r.client.SMembers(ctx, r.tag(t)).Result()
		if err != nil {
			return removed, fmt.Errorf("cache tag members: %w", err)
		}
		if len(members) > 0 {
			n, err := r.client.Del(ctx, members...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache delete: %w", err)
			}
			removed += int(n)
		}
		if err := r.client.Del(ctx, r.tag(t)).Err(); err != nil {
			return removed, fmt.Errorf("cache delete tag: %w", err)
		}
	}
	return removed, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
