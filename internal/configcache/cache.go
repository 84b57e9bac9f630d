// Package configcache caches EntityWorkflowConfig lookups in front of the
// definition registry.
package configcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Source resolves entity workflow configurations. A nil config with a nil
// error means workflows are disabled for the pair.
type Source interface {
	EntityConfig(ctx context.Context, module, entityType string) (*model.EntityWorkflowConfig, error)
}

// Cache is a Source that can drop entries.
type Cache interface {
	Source
	Invalidate(ctx context.Context, module, entityType string) error
}

// entry wraps a cached lookup so absent configs are cached too.
type entry struct {
	config *model.EntityWorkflowConfig
}

// LocalCache is an in-process LRU with per-entry expiry.
type LocalCache struct {
	source  Source
	lru     *expirable.LRU[string, entry]
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewLocalCache creates a LocalCache holding at most size entries for ttl.
func NewLocalCache(source Source, size int, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *LocalCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 1000
	}
	return &LocalCache{
		source:  source,
		lru:     expirable.NewLRU[string, entry](size, nil, ttl),
		metrics: metrics,
		logger:  logger,
	}
}

// EntityConfig returns the cached config, loading it from the source on a
// miss. Source errors are not cached.
func (c *LocalCache) EntityConfig(ctx context.Context, module, entityType string) (*model.EntityWorkflowConfig, error) {
	key := model.ConfigKey(module, entityType)
	if e, ok := c.lru.Get(key); ok {
		c.metrics.RecordConfigCacheHit()
		return e.config, nil
	}
	c.metrics.RecordConfigCacheMiss()

	cfg, err := c.source.EntityConfig(ctx, module, entityType)
	if err != nil {
		return nil, fmt.Errorf("configcache: loading %s: %w", key, err)
	}
	c.lru.Add(key, entry{config: cfg})
	c.logger.Debug("entity workflow config cached",
		zap.String("key", key),
		zap.Bool("present", cfg != nil),
	)
	return cfg, nil
}

// Invalidate drops one entry.
func (c *LocalCache) Invalidate(_ context.Context, module, entityType string) error {
	c.lru.Remove(model.ConfigKey(module, entityType))
	return nil
}

// Purge drops every entry. Called after a definition reload.
func (c *LocalCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *LocalCache) Len() int {
	return c.lru.Len()
}

// redisKey builds the shared cache key for a module and entity type.
func redisKey(module, entityType string) string {
	return "wfcfg:" + strings.ToLower(module) + ":" + strings.ToLower(entityType)
}
