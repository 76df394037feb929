// Package cache provides the Redis-backed read cache for balance list views.
//
// Keys are namespaced by a generation counter:
//
//	ledger:gen              current generation (INCR on every committed write)
//	ledger:<gen>:<key>      cached value, expires after TTL
//
// Invalidation bumps the generation instead of deleting keys, so a reader
// that computed a page before a write can never store it under the new
// generation. Old generations simply expire.
//
// A nil *Redis, or one whose server is unreachable, behaves as an empty
// cache: every Get misses and every Set is dropped.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/pos-ledger/ledger"
)

const defaultPrefix = "ledger:"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// Redis implements ledger.BalanceCache.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

var _ ledger.BalanceCache = (*Redis)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options, log *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts.TTL, opts.Prefix, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, prefix string, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, prefix: prefix, log: log}
}

// Close closes the client.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) genKey() string { return r.prefix + "gen" }

func (r *Redis) valueKey(gen int64, key string) string {
	return fmt.Sprintf("%s%d:%s", r.prefix, gen, key)
}

// Generation returns the current generation. ok is false when Redis is
// unavailable, in which case callers skip the cache entirely.
func (r *Redis) Generation(ctx context.Context) (int64, bool) {
	if r == nil || r.client == nil {
		return 0, false
	}
	gen, err := r.client.Get(ctx, r.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		r.log.Warn("cache generation unavailable", zap.Error(err))
		return 0, false
	}
	return gen, true
}

// Get returns the value cached under key for generation gen.
func (r *Redis) Get(ctx context.Context, gen int64, key string) ([]byte, bool) {
	if r == nil || r.client == nil {
		return nil, false
	}
	data, err := r.client.Get(ctx, r.valueKey(gen, key)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores value under key for generation gen.
func (r *Redis) Set(ctx context.Context, gen int64, key string, value []byte) {
	if r == nil || r.client == nil {
		return
	}
	if err := r.client.Set(ctx, r.valueKey(gen, key), value, r.ttl).Err(); err != nil {
		r.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate advances the generation.
// If Redis is down the entries still expire after TTL.
func (r *Redis) Invalidate(ctx context.Context) {
	if r == nil || r.client == nil {
		return
	}
	if err := r.client.Incr(ctx, r.genKey()).Err(); err != nil {
		r.log.Warn("cache invalidation failed", zap.Error(err))
	}
}
