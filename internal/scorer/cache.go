package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCachePrefix = "agentos:score:"

// RedisCache 将评分明细以 JSON 形式缓存在 Redis 中。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache 创建 Redis 缓存。ttl 为 0 时使用 5 分钟。
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Get 实现 Cache。
func (c *RedisCache) Get(ctx context.Context, agentID string) (AgentScore, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+agentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return AgentScore{}, false, nil
	}
	if err != nil {
		return AgentScore{}, false, err
	}
	var score AgentScore
	if err := json.Unmarshal(raw, &score); err != nil {
		return AgentScore{}, false, err
	}
	return score, true, nil
}

// Set 实现 Cache。
func (c *RedisCache) Set(ctx context.Context, score AgentScore) error {
	raw, err := json.Marshal(score)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+score.AgentID, raw, c.ttl).Err()
}

// Invalidate 实现 Cache。
func (c *RedisCache) Invalidate(ctx context.Context, agentID string) error {
	return c.client.Del(ctx, c.prefix+agentID).Err()
}
