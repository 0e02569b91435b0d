package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/consensus-hq/agent-pulse-sub000/internal/ledger"
)

const redisOpTimeout = 2 * time.Second

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// SignalCache stores marshaled signal payloads keyed by signal, subject, and
// epoch. When a Redis client is configured it is the primary backend and the
// in-memory map absorbs its failures; without one the map is the only
// backend. Entries are opaque bytes, the cache never caches errors because
// callers only write successful results.
type SignalCache struct {
	redis  *redis.Client
	logger *slog.Logger
	clock  ledger.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type SignalCacheParams struct {
	Redis  *redis.Client
	Logger *slog.Logger
	Clock  ledger.Clock
}

func NewSignalCache(params SignalCacheParams) *SignalCache {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Clock == nil {
		params.Clock = ledger.SystemClock()
	}
	return &SignalCache{
		redis:   params.Redis,
		logger:  params.Logger,
		clock:   params.Clock,
		entries: make(map[string]cacheEntry),
	}
}

func (c *SignalCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		payload, err := c.redis.Get(opCtx, key).Bytes()
		if err == nil {
			return payload, true
		}
		if err == redis.Nil {
			return nil, false
		}
		c.logger.Warn("redis get failed, serving from memory", "key", key, "error", err)
	}
	return c.getMemory(key)
}

func (c *SignalCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if c.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		err := c.redis.Set(opCtx, key, payload, ttl).Err()
		if err == nil {
			return
		}
		c.logger.Warn("redis set failed, falling back to memory", "key", key, "error", err)
	}
	c.setMemory(key, payload, ttl)
}

func (c *SignalCache) Close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
}

func (c *SignalCache) getMemory(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.payload, true
}

func (c *SignalCache) setMemory(key string, payload []byte, ttl time.Duration) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= 4096 {
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cacheEntry{payload: payload, expiresAt: now.Add(ttl)}
}
