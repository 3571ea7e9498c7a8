// Package cache implements the Regioned Cache Manager: a two-tier
// (in-process + distributed) cache with per-region policy, anti-stampede
// getOrCreate, eviction events, and statistics, as specified in spec §4.B.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"modelgate/internal/core/errkind"
)

// ErrCachingDisabled is returned by Get/Set when a region has both tiers
// disabled. Per the Open Question (a) decision in DESIGN.md, this is
// raised rather than silently behaving like a no-op cache, so a caller can
// tell "cache is off" apart from "cache miss".
var ErrCachingDisabled = errkind.New(errkind.Validation, "caching disabled for region")

// DistributedClient is the subset of *redis.Client the Manager needs,
// narrowed so tests can substitute a miniredis-backed client without
// pulling in the whole go-redis surface.
type DistributedClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

// Manager is the Regioned Cache Manager (spec §4.B), one instance shared
// by the whole process.
type Manager struct {
	mem      *memTier
	dist     DistributedClient
	regions  map[Region]RegionConfig
	sf       singleflight.Group
	stats    *StatisticsStore
	logger   *slog.Logger
	onEvict  func(EvictionEvent)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithDistributed attaches the distributed (Redis) tier.
func WithDistributed(client DistributedClient) Option {
	return func(m *Manager) { m.dist = client }
}

// WithRegionConfigs overrides the compile-time default region configs.
func WithRegionConfigs(cfgs map[Region]RegionConfig) Option {
	return func(m *Manager) {
		for k, v := range cfgs {
			m.regions[k] = v
		}
	}
}

// WithEvictionHandler registers a callback invoked synchronously for every
// eviction across every region (spec §4.B: "every eviction fires {key,
// region, reason, evictedAt}").
func WithEvictionHandler(h func(EvictionEvent)) Option {
	return func(m *Manager) { m.onEvict = h }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager constructs a Manager with the default region configs (which
// may be overridden with WithRegionConfigs) and no distributed tier by
// default (attach one with WithDistributed).
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		mem:     newMemTier(10_000, nil),
		regions: DefaultRegionConfigs(),
		stats:   NewStatisticsStore(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.mem.onEvict = func(regionKey string, reason EvictionReason) {
		region, key := splitRegionKey(regionKey)
		m.recordEviction(region, key, reason)
	}
	return m
}

func splitRegionKey(rk string) (Region, string) {
	for i := 0; i < len(rk); i++ {
		if rk[i] == ':' {
			return Region(rk[:i]), rk[i+1:]
		}
	}
	return RegionDefault, rk
}

func (m *Manager) configFor(region Region) RegionConfig {
	if c, ok := m.regions[region]; ok {
		return c
	}
	return m.regions[RegionDefault]
}

func (m *Manager) recordEviction(region Region, key string, reason EvictionReason) {
	m.stats.RecordEviction(region)
	if m.onEvict != nil {
		m.onEvict(EvictionEvent{Key: key, Region: region, Reason: reason, EvictedAt: time.Now()})
	}
}

// getRaw implements the layering rule from spec §4.B: memory tier first
// when allowed, then distributed on miss, backfilling memory on a
// distributed hit.
func (m *Manager) getRaw(ctx context.Context, region Region, key string) (rawEntry, bool, error) {
	start := time.Now()
	defer func() { m.stats.RecordGetLatency(region, time.Since(start)) }()

	cfg := m.configFor(region)
	if !cfg.UseMemory && !cfg.UseDistributed {
		return rawEntry{}, false, ErrCachingDisabled
	}

	if cfg.UseMemory {
		if e, ok := m.mem.get(region, key); ok {
			m.stats.RecordHit(region)
			return e, true, nil
		}
	}

	if cfg.UseDistributed && m.dist != nil {
		val, err := m.dist.Get(ctx, distKey(region, key)).Result()
		if err == nil {
			var e rawEntry
			if jerr := json.Unmarshal([]byte(val), &e); jerr == nil && !e.expired(time.Now()) {
				m.stats.RecordHit(region)
				if cfg.UseMemory {
					m.mem.set(region, key, e, cfg.PriorityClass())
				}
				return e, true, nil
			}
		} else if err != redis.Nil {
			m.stats.RecordError(region)
			m.logger.Warn("cache: distributed get failed", "region", region, "key", key, "error", err)
		}
	}

	m.stats.RecordMiss(region)
	return rawEntry{}, false, nil
}

func distKey(region Region, key string) string {
	return fmt.Sprintf("%s:%s", region, key)
}

// setRaw writes through both tiers with the effective TTL.
func (m *Manager) setRaw(ctx context.Context, region Region, key string, value []byte, ttl time.Duration) error {
	cfg := m.configFor(region)
	if !cfg.UseMemory && !cfg.UseDistributed {
		return ErrCachingDisabled
	}

	effTTL := cfg.EffectiveTTL(ttl)
	now := time.Now()
	e := rawEntry{Key: key, Region: region, Value: value, CreatedAt: now, LastAccessedAt: now}
	if effTTL > 0 {
		e.ExpiresAt = now.Add(effTTL)
	}

	if cfg.UseMemory {
		m.mem.set(region, key, e, cfg.PriorityClass())
	}

	if cfg.UseDistributed && m.dist != nil {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("cache: marshal entry: %w", err)
		}
		if err := m.dist.Set(ctx, distKey(region, key), raw, effTTL).Err(); err != nil {
			m.stats.RecordError(region)
			m.logger.Warn("cache: distributed set failed", "region", region, "key", key, "error", err)
		}
	}

	m.stats.RecordSet(region)
	return nil
}

// Remove deletes key from both tiers. Idempotent: calling it again after
// the key is gone still returns (false, nil), never an error.
func (m *Manager) Remove(ctx context.Context, region Region, key string) (bool, error) {
	removedMem := m.mem.remove(region, key)

	removedDist := false
	if m.dist != nil {
		n, err := m.dist.Del(ctx, distKey(region, key)).Result()
		if err != nil {
			m.logger.Warn("cache: distributed remove failed", "region", region, "key", key, "error", err)
		} else {
			removedDist = n > 0
		}
	}

	if removedMem || removedDist {
		m.stats.RecordRemove(region)
		return true, nil
	}
	return false, nil
}

// GetEntry returns the full Entry envelope (spec §3 CacheEntry<T>), not
// just the decoded value.
func (m *Manager) GetEntry(ctx context.Context, region Region, key string) (*Entry, bool, error) {
	e, ok, err := m.getRaw(ctx, region, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	entry := e.toEntry()
	return &entry, true, nil
}

// SetEntry writes a pre-built Entry, preserving caller-supplied metadata
// where the API needs direct control (e.g. cache warming, migrations).
func (m *Manager) SetEntry(ctx context.Context, e Entry, ttl time.Duration) error {
	return m.setRaw(ctx, e.Region, e.Key, e.Value, ttl)
}

// FlushRegion removes every key. Used by operator tooling and tests; not
// part of spec.md's operation list but a natural consequence of having
// regions as first-class groupings.
func (m *Manager) FlushRegion(region Region) int {
	return m.mem.flushRegion(region)
}

// Stats returns the live statistics snapshot for region (spec §4.B).
func (m *Manager) Stats(region Region) RegionStats {
	return m.stats.Snapshot(region)
}
