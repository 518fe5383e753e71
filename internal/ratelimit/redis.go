package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix = "remotecast:ratelimit:"
	redisTimeout   = 250 * time.Millisecond
)

// Redis is a sliding-window limiter shared by every server instance. Each key is a sorted set
// of attempt timestamps. Redis errors fail open and are logged.
type Redis struct {
	client     *redis.Client
	logger     *zap.Logger
	maxEntries int64
}

// NewRedis connects to url (redis://...) and verifies the connection.
func NewRedis(ctx context.Context, url string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger, maxEntries: DefaultMaxEntries}, nil
}

// Allow records an attempt for key and reports whether it is within limit.
func (r *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	now := time.Now()
	redisKey := redisKeyPrefix + key
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	pipe.ZRemRangeByRank(ctx, redisKey, 0, -(r.maxEntries + 1))
	card := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("redis rate limiter error", zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true}
	}

	count := int(card.Val())
	resetAt := now.Add(window)
	if z := oldest.Val(); len(z) == 1 {
		resetAt = time.Unix(0, int64(z[0].Score)).Add(window)
	}
	return Decision{Allowed: count <= limit, Count: count, ResetAt: resetAt}
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
