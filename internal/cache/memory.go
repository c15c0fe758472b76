package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time. Otter handles
// size-based eviction; expiry is tracked per entry because ledger TTLs
// vary from seconds to days.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// memoryMaxTTL is the otter-level retention ceiling. Rate-limit ledger
// entries are clamped to 30 days, so nothing outlives this; shorter
// per-entry TTLs are enforced on read.
const memoryMaxTTL = 31 * 24 * time.Hour

// Memory is an in-process W-TinyLFU store backed by otter.
type Memory struct {
	cache *otter.Cache[string, entry]
}

// NewMemory creates an in-process store bounded to maxEntries.
func NewMemory(maxEntries int) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](memoryMaxTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get retrieves a value if present and not expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e.data, true
}

// Set stores a value with a per-entry TTL.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.cache.Set(key, entry{
		data:      val,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete removes a value.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// Ping reports the store as always reachable.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close releases the underlying cache.
func (m *Memory) Close() error {
	m.cache.InvalidateAll()
	return nil
}
