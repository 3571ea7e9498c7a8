// Package monitor implements Cache Monitoring & Alerting (spec §4.I): a
// periodic cache health/threshold evaluator plus an audio-session alerting
// engine with cooldown, bounded history, and multi-channel fan-out.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modelgate/internal/core/bus"
	"modelgate/internal/core/cache"
)

// CacheThresholds are the per-region-overridable limits the Cache Monitor
// evaluates every tick (spec §4.I first paragraph).
type CacheThresholds struct {
	MinHitRate                 float64
	MaxMemoryUsageBytes        int64
	MaxEvictionRate            float64 // evictions per minute
	MaxResponseTimeMs          float64
	MinRequestsForHitRateAlert int64
}

// DefaultCacheThresholds mirrors sensible defaults; callers override via
// config the way the teacher's config.Default() seeds every subsystem.
func DefaultCacheThresholds() CacheThresholds {
	return CacheThresholds{
		MinHitRate:                 0.5,
		MaxMemoryUsageBytes:        256 * 1024 * 1024,
		MaxEvictionRate:            100,
		MaxResponseTimeMs:          50,
		MinRequestsForHitRateAlert: 20,
	}
}

// CacheAlert is a stored record of a triggered cache-threshold breach.
type CacheAlert struct {
	Region      cache.Region
	MetricType  string
	MetricValue float64
	Threshold   float64
	Message     string
	TriggeredAt time.Time
}

// CacheMonitor runs each minute asking the Cache Manager for per-region
// health/statistics, evaluating thresholds, and emitting CacheAlertTriggered
// events (spec §4.I). Bounded to the last 100 triggered alerts, matching
// the history cap spec.md names explicitly.
type CacheMonitor struct {
	mu         sync.Mutex
	mgr        *cache.Manager
	regions    []cache.Region
	thresholds CacheThresholds
	overrides  map[cache.Region]CacheThresholds
	history    []CacheAlert
	pub        bus.Publisher
	logger     *slog.Logger
}

const maxCacheAlertHistory = 100

// Option configures a CacheMonitor at construction time.
type Option func(*CacheMonitor)

func WithRegionOverride(region cache.Region, t CacheThresholds) Option {
	return func(m *CacheMonitor) { m.overrides[region] = t }
}
func WithLogger(l *slog.Logger) Option { return func(m *CacheMonitor) { m.logger = l } }

// NewCacheMonitor constructs a monitor evaluating the given regions against
// thresholds (or DefaultCacheThresholds if zero-valued).
func NewCacheMonitor(mgr *cache.Manager, regions []cache.Region, thresholds CacheThresholds, pub bus.Publisher, opts ...Option) *CacheMonitor {
	if thresholds == (CacheThresholds{}) {
		thresholds = DefaultCacheThresholds()
	}
	m := &CacheMonitor{
		mgr: mgr, regions: regions, thresholds: thresholds,
		overrides: make(map[cache.Region]CacheThresholds),
		pub:       pub, logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *CacheMonitor) thresholdsFor(region cache.Region) CacheThresholds {
	if t, ok := m.overrides[region]; ok {
		return t
	}
	return m.thresholds
}

// Evaluate runs one evaluation pass over every configured region (spec
// §4.I: "runs each minute"). Callers schedule this on a ticker; Evaluate
// itself is a single synchronous pass so tests can invoke it directly.
func (m *CacheMonitor) Evaluate(ctx context.Context) []CacheAlert {
	var triggered []CacheAlert
	for _, region := range m.regions {
		stats := m.mgr.Stats(region)
		th := m.thresholdsFor(region)
		triggered = append(triggered, m.evaluateRegion(ctx, region, stats, th)...)
	}
	return triggered
}

func (m *CacheMonitor) evaluateRegion(ctx context.Context, region cache.Region, stats cache.RegionStats, th CacheThresholds) []CacheAlert {
	var alerts []CacheAlert

	requests := stats.Hits + stats.Misses
	if requests >= th.MinRequestsForHitRateAlert {
		if hitRate := stats.HitRate(); hitRate < th.MinHitRate {
			alerts = append(alerts, m.fire(ctx, region, "hit_rate", hitRate, th.MinHitRate,
				fmt.Sprintf("region %s hit rate %.2f below minimum %.2f", region, hitRate, th.MinHitRate)))
		}
	}

	if th.MaxMemoryUsageBytes > 0 && stats.MemoryUsageBytes > th.MaxMemoryUsageBytes {
		alerts = append(alerts, m.fire(ctx, region, "memory_usage", float64(stats.MemoryUsageBytes), float64(th.MaxMemoryUsageBytes),
			fmt.Sprintf("region %s memory usage %d exceeds max %d", region, stats.MemoryUsageBytes, th.MaxMemoryUsageBytes)))
	}

	if th.MaxResponseTimeMs > 0 {
		avgMs := float64(stats.AverageGetTime.Microseconds()) / 1000.0
		if avgMs > th.MaxResponseTimeMs {
			alerts = append(alerts, m.fire(ctx, region, "response_time", avgMs, th.MaxResponseTimeMs,
				fmt.Sprintf("region %s average get time %.2fms exceeds max %.2fms", region, avgMs, th.MaxResponseTimeMs)))
		}
	}

	if th.MaxEvictionRate > 0 {
		rate := float64(stats.Evictions)
		if rate > th.MaxEvictionRate {
			alerts = append(alerts, m.fire(ctx, region, "eviction_rate", rate, th.MaxEvictionRate,
				fmt.Sprintf("region %s eviction count %.0f exceeds max %.0f", region, rate, th.MaxEvictionRate)))
		}
	}

	return alerts
}

func (m *CacheMonitor) fire(ctx context.Context, region cache.Region, metricType string, value, threshold float64, message string) CacheAlert {
	alert := CacheAlert{Region: region, MetricType: metricType, MetricValue: value, Threshold: threshold, Message: message, TriggeredAt: time.Now()}

	m.mu.Lock()
	m.history = append(m.history, alert)
	if len(m.history) > maxCacheAlertHistory {
		m.history = m.history[len(m.history)-maxCacheAlertHistory:]
	}
	m.mu.Unlock()

	bus.PublishBestEffort(ctx, m.pub, m.logger, bus.TopicCacheAlertTriggered, string(region), bus.CacheAlertTriggered{
		Region: string(region), MetricType: metricType, MetricValue: value, Threshold: threshold,
		Message: message, TriggeredAt: alert.TriggeredAt,
	})
	return alert
}

// History returns the bounded (last 100) triggered-alert history.
func (m *CacheMonitor) History() []CacheAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CacheAlert, len(m.history))
	copy(out, m.history)
	return out
}
