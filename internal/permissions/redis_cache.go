package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPathKeyPrefix = "qms:dept_path:"

// RedisPathCache shares department paths between engine processes
type RedisPathCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPathCache creates a Redis-backed path cache
func NewRedisPathCache(client *redis.Client, ttl time.Duration) *RedisPathCache {
	return &RedisPathCache{client: client, ttl: ttl}
}

func redisPathKey(departmentID string) string {
	return redisPathKeyPrefix + departmentID
}

// Get reads a path; a missing key is a miss, not an error
func (c *RedisPathCache) Get(ctx context.Context, departmentID string) ([]string, bool, error) {
	val, err := c.client.Get(ctx, redisPathKey(departmentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var path []string
	if err := json.Unmarshal(val, &path); err != nil {
		return nil, false, err
	}
	return path, true, nil
}

// Set writes a path with the configured TTL
func (c *RedisPathCache) Set(ctx context.Context, departmentID string, path []string) error {
	b, err := json.Marshal(path)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisPathKey(departmentID), b, c.ttl).Err()
}

