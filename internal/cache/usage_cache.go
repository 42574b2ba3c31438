// Package cache holds the Redis-backed helpers used by the billing engine.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

const usageKeyPrefix = "billing:usage:"

// UsageCache stores short-lived usage snapshots per tenant.
type UsageCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewUsageCache returns a cache writing entries with the given TTL.
func NewUsageCache(client *redis.Client, ttl time.Duration) *UsageCache {
	return &UsageCache{client: client, ttl: ttl}
}

// Get returns the cached snapshot for tenantID. The boolean is false on a miss.
func (c *UsageCache) Get(ctx context.Context, tenantID string) (*domain.UsageSnapshot, bool, error) {
	raw, err := c.client.Get(ctx, usageKeyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snapshot domain.UsageSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, false, err
	}
	return &snapshot, true, nil
}

// Set stores snapshot for tenantID. A non-positive TTL disables caching.
func (c *UsageCache) Set(ctx context.Context, tenantID string, snapshot *domain.UsageSnapshot) error {
	if c.ttl <= 0 || snapshot == nil {
		return nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, usageKeyPrefix+tenantID, raw, c.ttl).Err()
}

// Invalidate drops the cached snapshot for tenantID.
func (c *UsageCache) Invalidate(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, usageKeyPrefix+tenantID).Err()
}
