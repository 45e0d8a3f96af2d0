package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LimiterRepository backs rate-limit counters with Redis so limits hold
// across instances. Counters use the standard INCR-with-TTL shape; the
// increment is atomic on the server.
type LimiterRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiterRepository constructs a limiter repository.
func NewLimiterRepository(client *redis.Client, logger *zap.Logger) *LimiterRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LimiterRepository{client: client, logger: logger}
}

// Hit increments the counter for key, starting the window on first hit.
// It returns the count within the current window and the time left in it.
func (r *LimiterRepository) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("limiter hit %s: %w", key, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}

// Block sets a hard block marker with the given duration.
func (r *LimiterRepository) Block(ctx context.Context, key string, duration time.Duration) error {
	if err := r.client.Set(ctx, key+":blocked", 1, duration).Err(); err != nil {
		return fmt.Errorf("limiter block %s: %w", key, err)
	}
	return nil
}

// BlockedFor reports how long a key remains blocked, zero when it is not.
func (r *LimiterRepository) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key+":blocked").Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("limiter blocked %s: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
