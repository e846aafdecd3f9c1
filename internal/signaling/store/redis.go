package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// RedisConfig controls redis client behavior. Zero values take safe defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// DialLimiter caps how many outbound dials run at once. Acquire never
// blocks; a false result means the caller should try again on a later tick.
type DialLimiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var dialAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit
-- ARGV[2] = ttl_ms
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var dialReleaseScript = redis.NewScript(`
-- KEYS[1] = counter key
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisDialLimiter shares a dial slot counter between scheduler instances.
// The key TTL bounds how long a crashed instance can hold slots.
type RedisDialLimiter struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
}

// NewRedisDialLimiter creates a limiter over key with limit slots.
func NewRedisDialLimiter(rdb *redis.Client, key string, limit int, ttl time.Duration) (*RedisDialLimiter, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0")
	}
	return &RedisDialLimiter{rdb: rdb, key: key, limit: limit, ttl: ttl}, nil
}

func (l *RedisDialLimiter) Acquire(ctx context.Context) (bool, error) {
	res, err := dialAcquireScript.Run(ctx, l.rdb, []string{l.key}, l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire dial slot: %w", err)
	}
	return res == 1, nil
}

func (l *RedisDialLimiter) Release(ctx context.Context) error {
	if _, err := dialReleaseScript.Run(ctx, l.rdb, []string{l.key}).Result(); err != nil {
		return fmt.Errorf("release dial slot: %w", err)
	}
	return nil
}

// LocalDialLimiter is the single-instance limiter.
type LocalDialLimiter struct {
	sem *semaphore.Weighted
}

// NewLocalDialLimiter creates a limiter with limit slots (minimum 1).
func NewLocalDialLimiter(limit int) *LocalDialLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &LocalDialLimiter{sem: semaphore.NewWeighted(int64(limit))}
}

func (l *LocalDialLimiter) Acquire(_ context.Context) (bool, error) {
	return l.sem.TryAcquire(1), nil
}

func (l *LocalDialLimiter) Release(_ context.Context) error {
	l.sem.Release(1)
	return nil
}
