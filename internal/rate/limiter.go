// Package rate provides fixed-window request limiters keyed by client.
package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

var (
	errMissingClient = errors.New("rate: redis client required")
	errInvalidLimit  = errors.New("rate: limit and window must be positive")
)

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter admits or refuses one hit for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// Config bounds hits per key within a fixed window.
type Config struct {
	Prefix string
	Max    int
	Window time.Duration
	Clock  func() time.Time
}

func (c Config) normalize() (Config, error) {
	if c.Max <= 0 || c.Window <= 0 {
		return Config{}, errInvalidLimit
	}
	if c.Prefix == "" {
		c.Prefix = "rl:"
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c, nil
}

// windowKey returns the counter key for the window containing now and the time
// left in that window.
func (c Config) windowKey(key string, now time.Time) (string, time.Duration) {
	start := now.UTC().Truncate(c.Window)
	counter := fmt.Sprintf("%s%s:%d", c.Prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())
	return counter, start.Add(c.Window).Sub(now.UTC())
}

func (c Config) result(hits int64, remainingWindow time.Duration) Result {
	limit := int64(c.Max)
	result := Result{Allowed: hits <= limit, Remaining: limit - hits}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfter = remainingWindow
	}
	return result
}

// RedisLimiter counts hits with INCR and EXPIRE so every process shares a window.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
}

// NewRedisLimiter constructs a limiter backed by Redis.
func NewRedisLimiter(client *redis.Client, cfg Config) (*RedisLimiter, error) {
	if client == nil {
		return nil, errMissingClient
	}
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{client: client, cfg: normalized}, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	counter, remainingWindow := l.cfg.windowKey(key, l.cfg.Clock())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, counter)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate: redis: %w", err)
	}
	// the first hit of a window sets the expiry
	if incr.Val() == 1 {
		if err := l.client.Expire(ctx, counter, l.cfg.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("rate: redis expire: %w", err)
		}
	}
	return l.cfg.result(incr.Val(), remainingWindow), nil
}

// MemoryLimiter keeps counters in process memory. It backs single-process
// deployments without Redis.
type MemoryLimiter struct {
	counters *cache.Cache
	cfg      Config
}

// NewMemoryLimiter constructs an in-process limiter.
func NewMemoryLimiter(cfg Config) (*MemoryLimiter, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &MemoryLimiter{
		counters: cache.New(normalized.Window, normalized.Window),
		cfg:      normalized,
	}, nil
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	counter, remainingWindow := l.cfg.windowKey(key, l.cfg.Clock())
	_ = l.counters.Add(counter, int64(0), l.cfg.Window)
	hits, err := l.counters.IncrementInt64(counter, 1)
	if err != nil {
		return Result{}, fmt.Errorf("rate: memory: %w", err)
	}
	return l.cfg.result(hits, remainingWindow), nil
}
