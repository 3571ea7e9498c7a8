package cache

import "time"

// Region is an enumerated cache tag (spec §3). Unknown regions fall back
// to RegionDefault's config.
type Region string

const (
	RegionVirtualKeys       Region = "VirtualKeys"
	RegionRateLimits        Region = "RateLimits"
	RegionProviderHealth    Region = "ProviderHealth"
	RegionModelMetadata     Region = "ModelMetadata"
	RegionAuthTokens        Region = "AuthTokens"
	RegionIPFilters         Region = "IpFilters"
	RegionAsyncTasks        Region = "AsyncTasks"
	RegionProviderResponses Region = "ProviderResponses"
	RegionEmbeddings        Region = "Embeddings"
	RegionGlobalSettings    Region = "GlobalSettings"
	RegionProviders         Region = "Providers"
	RegionModelCosts        Region = "ModelCosts"
	RegionAudioStreams      Region = "AudioStreams"
	RegionMonitoring        Region = "Monitoring"
	RegionDefault           Region = "Default"
)

// EvictionPolicy is advisory guidance for the in-process tier (spec §4.B:
// "policy is advisory; the in-memory tier enforces LRU by priority class").
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "LRU"
	EvictionLFU  EvictionPolicy = "LFU"
	EvictionFIFO EvictionPolicy = "FIFO"
)

// RegionConfig is the per-region policy (spec §3 CacheRegionConfig).
type RegionConfig struct {
	Enabled        bool           `toml:"enabled"`
	DefaultTTL     time.Duration  `toml:"default_ttl"`
	MaxTTL         time.Duration  `toml:"max_ttl"` // zero means unbounded
	UseMemory      bool           `toml:"use_memory"`
	UseDistributed bool           `toml:"use_distributed"`
	Priority       int            `toml:"priority"` // 0-100
	EvictionPolicy EvictionPolicy `toml:"eviction_policy"`
	MaxSizeBytes   int64          `toml:"max_size_bytes"` // zero means unbounded
	DetailedStats  bool           `toml:"detailed_stats"`
}

// EffectiveTTL applies spec §4.B's rule: min(requested, region.maxTTL ??
// infinity) ?? region.defaultTTL.
func (c RegionConfig) EffectiveTTL(requested time.Duration) time.Duration {
	ttl := requested
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

// PriorityClass derives the in-memory eviction priority class from the
// region's configured priority (spec §4.B: ">=80 high, >=50 normal, else
// low").
func (c RegionConfig) PriorityClass() string {
	switch {
	case c.Priority >= 80:
		return "high"
	case c.Priority >= 50:
		return "normal"
	default:
		return "low"
	}
}

// DefaultRegionConfigs returns the compile-time default config per region,
// overridable via the [cache.regions] TOML config section.
func DefaultRegionConfigs() map[Region]RegionConfig {
	return map[Region]RegionConfig{
		RegionVirtualKeys:       {Enabled: true, DefaultTTL: 5 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 90, EvictionPolicy: EvictionLRU},
		RegionRateLimits:        {Enabled: true, DefaultTTL: time.Minute, UseMemory: true, UseDistributed: true, Priority: 85, EvictionPolicy: EvictionLRU},
		RegionProviderHealth:    {Enabled: true, DefaultTTL: 30 * time.Second, UseMemory: true, UseDistributed: true, Priority: 80, EvictionPolicy: EvictionLRU},
		RegionModelMetadata:     {Enabled: true, DefaultTTL: time.Hour, UseMemory: true, UseDistributed: true, Priority: 70, EvictionPolicy: EvictionLRU},
		RegionAuthTokens:        {Enabled: true, DefaultTTL: 10 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 95, EvictionPolicy: EvictionLRU},
		RegionIPFilters:         {Enabled: true, DefaultTTL: 15 * time.Minute, UseMemory: true, UseDistributed: false, Priority: 60, EvictionPolicy: EvictionLRU},
		RegionAsyncTasks:        {Enabled: true, DefaultTTL: 10 * time.Minute, UseMemory: false, UseDistributed: true, Priority: 50, EvictionPolicy: EvictionFIFO},
		RegionProviderResponses: {Enabled: true, DefaultTTL: 5 * time.Minute, UseMemory: true, UseDistributed: true, Priority: 40, EvictionPolicy: EvictionLFU},
		RegionEmbeddings:        {Enabled: true, DefaultTTL: 24 * time.Hour, UseMemory: false, UseDistributed: true, Priority: 40, EvictionPolicy: EvictionLFU},
		RegionGlobalSettings:    {Enabled: true, DefaultTTL: time.Hour, UseMemory: true, UseDistributed: true, Priority: 75, EvictionPolicy: EvictionLRU},
		RegionProviders:         {Enabled: true, DefaultTTL: time.Hour, UseMemory: true, UseDistributed: true, Priority: 75, EvictionPolicy: EvictionLRU},
		RegionModelCosts:        {Enabled: true, DefaultTTL: 6 * time.Hour, UseMemory: true, UseDistributed: true, Priority: 60, EvictionPolicy: EvictionLRU},
		RegionAudioStreams:      {Enabled: true, DefaultTTL: 2 * time.Hour, UseMemory: true, UseDistributed: true, Priority: 55, EvictionPolicy: EvictionLRU},
		RegionMonitoring:        {Enabled: true, DefaultTTL: time.Minute, UseMemory: true, UseDistributed: false, Priority: 30, EvictionPolicy: EvictionFIFO},
		RegionDefault:           {Enabled: true, DefaultTTL: 5 * time.Minute, UseMemory: true, UseDistributed: false, Priority: 50, EvictionPolicy: EvictionLRU},
	}
}

// EvictionReason classifies why an entry left the cache (spec §4.B).
type EvictionReason string

const (
	EvictionExpired         EvictionReason = "Expired"
	EvictionCapacityReached EvictionReason = "CapacityReached"
	EvictionRemoved         EvictionReason = "Removed"
	EvictionReplaced        EvictionReason = "Replaced"
	EvictionPolicyTriggered EvictionReason = "PolicyTriggered"
)

// EvictionEvent is fired on every eviction (spec §4.B).
type EvictionEvent struct {
	Key        string
	Region     Region
	Reason     EvictionReason
	EvictedAt  time.Time
}
