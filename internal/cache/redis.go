package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared store backed by a redis server, used when multiple
// proxy instances must agree on ledger entries and pending auth flows.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the redis server at the given URL and verifies
// the connection before returning.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

// Get retrieves a value; redis expiry handles TTL.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "redis get failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return nil, false
	}
	return val, true
}

// Set stores a value with a per-entry TTL.
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	if err := r.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "redis set failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Delete removes a value.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "redis del failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Ping verifies the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
