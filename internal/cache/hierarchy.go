package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lineboard/lineboard/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Backend is the key-value store behind the hierarchy. pkg/redis implements
// it in production; tests use an in-memory map.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// NotFound reports whether a Backend error means the key is absent rather
// than the backend being unavailable.
type NotFound func(error) bool

// Hierarchy is the tiered cache manager.
type Hierarchy struct {
	backend  Backend
	notFound NotFound
	tiers    map[Tier]TierConfigEntry
	group    singleflight.Group
	logger   *slog.Logger

	hits     atomic.Int64
	misses   atomic.Int64
	fallOpen atomic.Int64

	onHit      func(tier Tier)
	onMiss     func(tier Tier)
	onFallOpen func()
}

// Option customises a Hierarchy.
type Option func(*Hierarchy)

// WithTierTTL overrides one tier's TTL; zero durations are ignored.
func WithTierTTL(tier Tier, ttl time.Duration) Option {
	return func(h *Hierarchy) {
		if ttl <= 0 {
			return
		}
		cfg := h.tiers[tier]
		cfg.TTL = ttl
		h.tiers[tier] = cfg
	}
}

// WithObserver registers hit/miss/fall-open callbacks, typically bound to
// Prometheus counters.
func WithObserver(onHit, onMiss func(tier Tier), onFallOpen func()) Option {
	return func(h *Hierarchy) {
		h.onHit = onHit
		h.onMiss = onMiss
		h.onFallOpen = onFallOpen
	}
}

// New creates a Hierarchy over the given backend. notFound distinguishes
// key-absent errors from backend failures (redis.Nil in production).
func New(backend Backend, notFound NotFound, opts ...Option) *Hierarchy {
	h := &Hierarchy{
		backend:  backend,
		notFound: notFound,
		tiers:    Tiers(),
		logger:   logger.WithComponent("cache-hierarchy"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// TTL returns the configured TTL for a tier.
func (h *Hierarchy) TTL(tier Tier) time.Duration {
	return h.tiers[tier].TTL
}

// Key builds the physical cache key: tier prefix, the plain scope segment
// (usually a line name, kept readable so invalidation can pattern-match on
// it), and a fingerprint of the logical query.
func (h *Hierarchy) Key(tier Tier, scope, logical string) string {
	hash := sha256.Sum256([]byte(logical))
	return fmt.Sprintf("%s%s:%x", h.tiers[tier].KeyPrefix, scope, hash[:16])
}

// GetOrCompute returns the cached value for (tier, scope, logical),
// computing and storing it on a miss. Concurrent callers for the same key
// share one in-flight computation. When the backend is unavailable the
// compute function is invoked directly and the caller never sees a cache
// error.
func (h *Hierarchy) GetOrCompute(ctx context.Context, tier Tier, scope, logical string, computeFn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	key := h.Key(tier, scope, logical)

	if value, ok, backendDown := h.lookup(ctx, tier, key); ok {
		return value, nil
	} else if backendDown {
		return h.computeDirect(ctx, computeFn)
	}

	value, err, _ := h.group.Do(key, func() (interface{}, error) {
		// Another flight may have populated the key while we queued.
		if value, ok, backendDown := h.lookup(ctx, tier, key); ok {
			return value, nil
		} else if backendDown {
			return h.computeDirect(ctx, computeFn)
		}

		computed, err := computeFn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(computed)
		if err != nil {
			return nil, fmt.Errorf("marshaling cache value: %w", err)
		}
		if err := h.backend.Set(ctx, key, string(data), h.tiers[tier].TTL); err != nil {
			h.logger.Warn("cache set failed", "tier", tier, "key", key, "error", err)
		}
		return json.RawMessage(data), nil
	})
	if err != nil {
		return nil, err
	}
	return value.(json.RawMessage), nil
}

// lookup returns (value, hit, backendDown).
func (h *Hierarchy) lookup(ctx context.Context, tier Tier, key string) (json.RawMessage, bool, bool) {
	data, err := h.backend.Get(ctx, key)
	if err != nil {
		if h.notFound != nil && h.notFound(err) {
			h.misses.Add(1)
			if h.onMiss != nil {
				h.onMiss(tier)
			}
			return nil, false, false
		}
		h.logger.Warn("cache backend unavailable, falling open", "tier", tier, "error", err)
		return nil, false, true
	}
	h.hits.Add(1)
	if h.onHit != nil {
		h.onHit(tier)
	}
	return json.RawMessage(data), true, false
}

func (h *Hierarchy) computeDirect(ctx context.Context, computeFn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	h.fallOpen.Add(1)
	if h.onFallOpen != nil {
		h.onFallOpen()
	}
	computed, err := computeFn(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(computed)
	if err != nil {
		return nil, fmt.Errorf("marshaling computed value: %w", err)
	}
	return data, nil
}

// Invalidate removes every entry in a tier whose key matches the glob
// pattern (applied after the tier prefix). Pass "*" to clear the tier.
func (h *Hierarchy) Invalidate(ctx context.Context, tier Tier, keyPattern string) (int64, error) {
	pattern := h.tiers[tier].KeyPrefix + keyPattern
	deleted, err := h.backend.FlushByPattern(ctx, pattern)
	if err != nil {
		return deleted, fmt.Errorf("invalidating %s: %w", pattern, err)
	}
	if deleted > 0 {
		h.logger.Info("cache invalidated", "tier", tier, "pattern", pattern, "keys_deleted", deleted)
	}
	return deleted, nil
}

// InvalidateScope evicts the derived forecast and actuals entries for one
// line after an aggregation chunk commits, so dashboards pick up fresh
// rollups without waiting out the TTL.
func (h *Hierarchy) InvalidateScope(ctx context.Context, line string) error {
	for _, tier := range []Tier{TierForecast, TierActuals} {
		if _, err := h.Invalidate(ctx, tier, line+":*"); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns lifetime hit/miss/fall-open counts.
func (h *Hierarchy) Stats() (hits, misses, fellOpen int64) {
	return h.hits.Load(), h.misses.Load(), h.fallOpen.Load()
}

// Sweep clears the derived tiers wholesale. Redis expires entries by TTL on
// its own; the sweep is the scheduled maintenance pass run after planning or
// configuration pushes.
func (h *Hierarchy) Sweep(ctx context.Context) error {
	for _, tier := range []Tier{TierForecast, TierActuals, TierBasic} {
		if _, err := h.Invalidate(ctx, tier, "*"); err != nil {
			return err
		}
	}
	return nil
}
