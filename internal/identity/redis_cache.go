package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the shared-cache variant for deployments where more than one
// process resolves identities. Redis key TTLs replace the in-process sweep.
type RedisCache struct {
	client    *redis.Client
	directory Directory
	ttl       time.Duration
	prefix    string
}

func NewRedisCache(redisURL string, directory Directory, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, directory, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, directory Directory, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		client:    client,
		directory: directory,
		ttl:       ttl,
		prefix:    "identity:",
	}
}

func (c *RedisCache) key(discordID string) string {
	return c.prefix + discordID
}

func (c *RedisCache) Resolve(ctx context.Context, discordID string) (Identity, bool, error) {
	if discordID == "" {
		return Identity{}, false, nil
	}
	cached, err := c.client.Get(ctx, c.key(discordID)).Result()
	if err == nil {
		var resolved Identity
		if unmarshalErr := json.Unmarshal([]byte(cached), &resolved); unmarshalErr == nil {
			// Refresh on hit, mirroring the in-memory cache.
			_ = c.client.Expire(ctx, c.key(discordID), c.ttl).Err()
			return resolved, true, nil
		}
	} else if err != redis.Nil {
		return Identity{}, false, fmt.Errorf("identity cache lookup: %w", err)
	}

	if c.directory == nil {
		return Identity{}, false, nil
	}
	resolved, found, err := c.directory.LookupAccount(ctx, discordID)
	if err != nil {
		return Identity{}, false, err
	}
	if !found {
		return Identity{}, false, nil
	}
	payload, err := json.Marshal(resolved)
	if err != nil {
		return resolved, true, nil
	}
	if err := c.client.Set(ctx, c.key(discordID), payload, c.ttl).Err(); err != nil {
		return resolved, true, nil
	}
	return resolved, true, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
