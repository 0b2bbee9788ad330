// Package cache provides a Redis-backed fast path for webhook replay
// detection. The durable store remains the source of truth; the cache only
// shortcuts the common case of a quick redelivery.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/binblast/binblast-sub003/pkg/logging"
)

// ReplayCache remembers recently processed webhook event ids. All methods
// are nil-receiver safe so deployments without Redis degrade to the durable
// dedup path alone.
type ReplayCache struct {
	client *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

// NewReplayCache builds a cache over client. A nil client yields a cache
// whose Seen always reports false.
func NewReplayCache(client *redis.Client, ttl time.Duration, logger logging.Logger) *ReplayCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReplayCache{client: client, ttl: ttl, logger: logger}
}

func key(eventID string) string { return "webhook:seen:" + eventID }

// Seen reports whether eventID was recently marked. Cache errors are logged
// and treated as a miss.
func (c *ReplayCache) Seen(ctx context.Context, eventID string) bool {
	if c == nil || c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, key(eventID)).Result()
	if err != nil {
		c.logger.WithError(err).Warn("Replay cache lookup failed")
		return false
	}
	return n > 0
}

// Mark records eventID for the cache TTL. Failures are logged only.
func (c *ReplayCache) Mark(ctx context.Context, eventID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, key(eventID), 1, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Replay cache write failed")
	}
}
