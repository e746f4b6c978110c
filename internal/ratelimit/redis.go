package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"velostream/internal/observability/metrics"
)

const redisOpTimeout = 2 * time.Second

// Redis is a Limiter backed by a shared Redis so that blocks survive process
// restarts and apply across replicas. Redis failures fail open: a broken
// limiter must not lock every viewer out of every room.
type Redis struct {
	client    redis.UniversalClient
	cfg       Config
	keyPrefix string
	logger    *slog.Logger
	recorder  *metrics.Recorder
}

// RedisOption tunes Redis limiter construction.
type RedisOption func(*Redis)

// WithRedisLogger attaches a structured logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRedisRecorder publishes block counts to the provided recorder.
func WithRedisRecorder(recorder *metrics.Recorder) RedisOption {
	return func(r *Redis) {
		r.recorder = recorder
	}
}

// WithKeyPrefix overrides the key namespace (default "velostream:pwlimit").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// NewRedis constructs a Redis-backed limiter around an existing client.
func NewRedis(client redis.UniversalClient, cfg Config, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		cfg:       cfg.withDefaults(),
		keyPrefix: "velostream:pwlimit",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) attemptsKey(addr, roomID string) string {
	return fmt.Sprintf("%s:attempts:%s:%s", r.keyPrefix, addr, roomID)
}

func (r *Redis) blockKey(addr, roomID string) string {
	return fmt.Sprintf("%s:block:%s:%s", r.keyPrefix, addr, roomID)
}

func (r *Redis) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (r *Redis) IsBlocked(addr, roomID string) (bool, time.Duration) {
	ctx, cancel := r.opContext()
	defer cancel()

	ttl, err := r.client.TTL(ctx, r.blockKey(addr, roomID)).Result()
	if err != nil {
		r.logger.Warn("rate limiter redis ttl", "error", err)
		return false, 0
	}
	if ttl > 0 {
		return true, ttl
	}
	return false, 0
}

func (r *Redis) RecordFailure(addr, roomID string) Outcome {
	if blocked, retryAfter := r.IsBlocked(addr, roomID); blocked {
		return Outcome{Blocked: true, RetryAfter: retryAfter}
	}

	ctx, cancel := r.opContext()
	defer cancel()

	attemptsKey := r.attemptsKey(addr, roomID)
	attempts, err := r.client.Incr(ctx, attemptsKey).Result()
	if err != nil {
		r.logger.Warn("rate limiter redis incr", "error", err)
		return Outcome{RemainingAttempts: r.cfg.MaxAttempts}
	}
	if attempts == 1 {
		if err := r.client.Expire(ctx, attemptsKey, r.cfg.BlockDuration).Err(); err != nil {
			r.logger.Warn("rate limiter redis expire", "error", err)
		}
	}

	if int(attempts) >= r.cfg.MaxAttempts {
		if err := r.client.Set(ctx, r.blockKey(addr, roomID), "1", r.cfg.BlockDuration).Err(); err != nil {
			r.logger.Warn("rate limiter redis set block", "error", err)
			return Outcome{RemainingAttempts: 0}
		}
		if err := r.client.Del(ctx, attemptsKey).Err(); err != nil {
			r.logger.Warn("rate limiter redis del attempts", "error", err)
		}
		if r.recorder != nil {
			r.recorder.LimiterBlocked()
		}
		r.logger.Warn("password attempts exhausted",
			"addr", addr,
			"room_id", roomID,
			"retry_after", r.cfg.BlockDuration)
		return Outcome{Blocked: true, RetryAfter: r.cfg.BlockDuration}
	}
	return Outcome{RemainingAttempts: r.cfg.MaxAttempts - int(attempts)}
}

func (r *Redis) Reset(addr, roomID string) {
	ctx, cancel := r.opContext()
	defer cancel()
	if err := r.client.Del(ctx, r.attemptsKey(addr, roomID), r.blockKey(addr, roomID)).Err(); err != nil {
		r.logger.Warn("rate limiter redis reset", "error", err)
	}
}

var _ Limiter = (*Redis)(nil)
