// Package redis provides the Redis verification result cache and event publisher.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/config"
	"github.com/limiquantix/placement/internal/registry"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache wraps a Redis client for caching operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return NewCacheWithClient(client, logger), nil
}

// NewCacheWithClient wraps an existing Redis client.
func NewCacheWithClient(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{client: client, logger: logger.With(zap.String("component", "redis"))}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Generic Cache Operations
// =============================================================================

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// DeletePattern removes all keys matching a pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to delete key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	return iter.Err()
}

// =============================================================================
// Verification Result Cache
// =============================================================================

// ResultCache stores selection script results in Redis so they are shared
// between placement instances.
type ResultCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewResultCache creates a verification result cache with the given TTL.
func NewResultCache(cache *Cache, ttl time.Duration) *ResultCache {
	return &ResultCache{cache: cache, ttl: ttl}
}

func resultKey(nodeID, digest string) string {
	return fmt.Sprintf("placement:verify:%s:%s", nodeID, digest)
}

// Get returns the cached result. Redis errors are treated as misses.
func (r *ResultCache) Get(ctx context.Context, nodeID, digest string) (bool, bool) {
	var passed bool
	if err := r.cache.Get(ctx, resultKey(nodeID, digest), &passed); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			r.cache.logger.Warn("Failed to read verification result", zap.String("node_id", nodeID), zap.Error(err))
		}
		return false, false
	}
	return passed, true
}

// Set stores a result.
func (r *ResultCache) Set(ctx context.Context, nodeID, digest string, passed bool) {
	if err := r.cache.Set(ctx, resultKey(nodeID, digest), passed, r.ttl); err != nil {
		r.cache.logger.Warn("Failed to store verification result", zap.String("node_id", nodeID), zap.Error(err))
	}
}

// Forget drops every result of the node.
func (r *ResultCache) Forget(ctx context.Context, nodeID string) {
	if err := r.cache.DeletePattern(ctx, fmt.Sprintf("placement:verify:%s:*", nodeID)); err != nil {
		r.cache.logger.Warn("Failed to forget verification results", zap.String("node_id", nodeID), zap.Error(err))
	}
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Event represents a published registry change.
type Event struct {
	Type         string      `json:"type"`
	ResourceID   string      `json:"resource_id"`
	AllocationID string      `json:"allocation_id,omitempty"`
	Data         interface{} `json:"data,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// PublishNodeEvent publishes a registry event.
func (c *Cache) PublishNodeEvent(ctx context.Context, channel string, ev registry.Event) error {
	return c.Publish(ctx, channel, Event{
		Type:         string(ev.Type),
		ResourceID:   ev.Node.ID,
		AllocationID: ev.AllocationID,
		Data:         ev.Node,
		Timestamp:    ev.Time,
	})
}
