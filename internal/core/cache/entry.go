package cache

import "time"

// rawEntry is the tier-agnostic stored representation: the value is kept
// JSON-encoded so the in-process and distributed tiers can share one
// wire/storage format, the same approach the teacher's
// internal/cache/semantic package uses for repository-backed values and
// BaSui01-agentflow's cache Manager uses for its GetJSON/SetJSON helpers.
type rawEntry struct {
	Key            string    `json:"key"`
	Region         Region    `json:"region"`
	Value          []byte    `json:"value"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
}

func (e *rawEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Entry is the public, type-erased view of a cached value returned by
// GetEntry (spec §3 CacheEntry<T>, minus the generic payload which callers
// decode themselves via GetEntryAs).
type Entry struct {
	Key            string
	Region         Region
	Value          []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	ExpiresAt      *time.Time
}

func (e *rawEntry) toEntry() Entry {
	out := Entry{
		Key:            e.Key,
		Region:         e.Region,
		Value:          e.Value,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
	}
	if !e.ExpiresAt.IsZero() {
		t := e.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
