package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/models"
)

// IntegrationSource loads integration configurations from persistence.
type IntegrationSource interface {
	GetIntegration(ctx context.Context, integrationType string) (*models.Integration, error)
}

// IntegrationCache is a read-through cache in front of the integrations
// table. Handlers resolve connector credentials through it on every
// invocation; repeated lookups within the TTL are served from the cache,
// while cache misses and a cache without a backend read from the source.
type IntegrationCache struct {
	source IntegrationSource
	cache  Storage
	ttl    time.Duration
	logger *zap.Logger
}

// NewIntegrationCache creates an integration cache with the given TTL.
func NewIntegrationCache(source IntegrationSource, cache Storage, ttl time.Duration, logger *zap.Logger) *IntegrationCache {
	return &IntegrationCache{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "integration_cache")),
	}
}

func cacheKey(integrationType string) string {
	return "integration:" + integrationType
}

// Get returns the integration for a type, reading through to the source on
// a cache miss. A broken cache degrades to direct reads.
func (c *IntegrationCache) Get(ctx context.Context, integrationType string) (*models.Integration, error) {
	if c.cache != nil {
		raw, err := c.cache.Get(ctx, cacheKey(integrationType))
		if err == nil {
			var integration models.Integration
			if err := json.Unmarshal([]byte(raw), &integration); err == nil {
				return &integration, nil
			}
		} else if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Integration cache read failed", zap.Error(err), zap.String("type", integrationType))
		}
	}

	integration, err := c.source.GetIntegration(ctx, integrationType)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration %s: %w", integrationType, err)
	}

	if c.cache != nil {
		if raw, err := json.Marshal(integration); err == nil {
			if err := c.cache.Set(ctx, cacheKey(integrationType), string(raw), c.ttl); err != nil {
				c.logger.Warn("Integration cache write failed", zap.Error(err), zap.String("type", integrationType))
			}
		}
	}
	return integration, nil
}

// Invalidate drops a cached integration.
func (c *IntegrationCache) Invalidate(ctx context.Context, integrationType string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, cacheKey(integrationType))
}
