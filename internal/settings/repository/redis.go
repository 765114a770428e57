package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"devicegate/internal/settings/domain"
)

// CacheKey is the Redis key holding the cached settings.
const CacheKey = "devicegate:settings"

// RedisCache fronts a Repository with a short-TTL Redis entry so every instance
// re-reads the device limit at least once per TTL. Redis errors fall back to the
// wrapped repository.
type RedisCache struct {
	rdb    redis.Cmdable
	next   Repository
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache wraps next. A nil logger disables logging.
func NewRedisCache(rdb redis.Cmdable, next Repository, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{rdb: rdb, next: next, ttl: ttl, logger: logger}
}

var _ Repository = (*RedisCache)(nil)

func (c *RedisCache) Get(ctx context.Context) (*domain.AppSettings, error) {
	b, err := c.rdb.Get(ctx, CacheKey).Bytes()
	switch {
	case err == nil:
		var s domain.AppSettings
		if jerr := json.Unmarshal(b, &s); jerr == nil {
			return &s, nil
		}
		c.logger.Warn("settings cache: discarding undecodable entry")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("settings cache: read failed, using database", zap.Error(err))
		return c.next.Get(ctx)
	}

	s, err := c.next.Get(ctx)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(s); err == nil {
		if err := c.rdb.Set(ctx, CacheKey, b, c.ttl).Err(); err != nil {
			c.logger.Warn("settings cache: write failed", zap.Error(err))
		}
	}
	return s, nil
}

// Update writes through and drops the cached entry.
func (c *RedisCache) Update(ctx context.Context, maxDevices, inactivityDays int) (*domain.AppSettings, error) {
	s, err := c.next.Update(ctx, maxDevices, inactivityDays)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Del(ctx, CacheKey).Err(); err != nil {
		c.logger.Warn("settings cache: invalidate failed", zap.Error(err))
	}
	return s, nil
}
