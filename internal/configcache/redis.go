package configcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// tombstone marks a pair with no configuration.
const tombstone = "-"

// RedisCache is a read-through cache shared between replicas. Values are
// JSON-encoded configs stored under wfcfg:{module}:{entityType}.
type RedisCache struct {
	client  redis.UniversalClient
	source  Source
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRedisCache creates a RedisCache.
func NewRedisCache(client redis.UniversalClient, source Source, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, source: source, ttl: ttl, metrics: metrics, logger: logger}
}

// EntityConfig returns the config from Redis, loading and storing it on a
// miss. A Redis read failure falls through to the source.
func (c *RedisCache) EntityConfig(ctx context.Context, module, entityType string) (*model.EntityWorkflowConfig, error) {
	key := redisKey(module, entityType)

	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		c.metrics.RecordConfigCacheHit()
		if raw == tombstone {
			return nil, nil
		}
		var cfg model.EntityWorkflowConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			return &cfg, nil
		}
		c.logger.Warn("discarding undecodable cached config", zap.String("key", key))
	case errors.Is(err, redis.Nil):
		c.metrics.RecordConfigCacheMiss()
	default:
		c.metrics.RecordConfigCacheMiss()
		c.logger.Warn("config cache read failed", zap.String("key", key), zap.Error(err))
	}

	cfg, err := c.source.EntityConfig(ctx, module, entityType)
	if err != nil {
		return nil, fmt.Errorf("configcache: loading %s: %w", key, err)
	}

	value := tombstone
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("configcache: encoding %s: %w", key, err)
		}
		value = string(data)
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("config cache write failed", zap.String("key", key), zap.Error(err))
	}
	return cfg, nil
}

// Invalidate deletes one entry.
func (c *RedisCache) Invalidate(ctx context.Context, module, entityType string) error {
	if err := c.client.Del(ctx, redisKey(module, entityType)).Err(); err != nil {
		return fmt.Errorf("configcache: invalidating: %w", err)
	}
	return nil
}

// HealthCheck pings Redis.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
