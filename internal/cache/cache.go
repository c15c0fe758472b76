// Package cache provides the TTL key-value store backing the rate-limit
// ledger, pending auth flows, and quota snapshots. The redis backend is
// shared across proxy instances; the in-process backend has identical
// semantics per instance and is the fallback when no cache URL is set.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is a TTL'd key-value store.
type Cache interface {
	// Get retrieves a value by key; ok is false on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value with a per-entry TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete removes a value.
	Delete(ctx context.Context, key string)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// New selects a backend from the configured URL: redis when a redis:// or
// rediss:// URL is given, otherwise the in-process store.
func New(url string, maxEntries int) (Cache, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		return NewRedis(url)
	}
	return NewMemory(maxEntries)
}
