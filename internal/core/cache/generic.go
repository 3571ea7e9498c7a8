package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Get decodes the cached value for (region, key) into T. ok=false means
// absent (miss, expired, or removed) rather than an error; a malformed
// stored value is treated as a miss too, matching the Async Task Engine's
// "malformed cache value -> fall through to durable read" rule reused here
// for every region.
func Get[T any](ctx context.Context, m *Manager, region Region, key string) (T, bool, error) {
	var zero T
	e, ok, err := m.getRaw(ctx, region, key)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}
	var v T
	if jerr := json.Unmarshal(e.Value, &v); jerr != nil {
		return zero, false, nil
	}
	return v, true, nil
}

// Set encodes value and writes it through both tiers with the region's
// effective TTL.
func Set[T any](ctx context.Context, m *Manager, region Region, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal value: %w", err)
	}
	return m.setRaw(ctx, region, key, raw, ttl)
}

// Factory produces a fresh value for GetOrCreate on a cache miss.
type Factory[T any] func(ctx context.Context) (T, error)

// GetOrCreate is the anti-stampede read-through operation (spec §4.B):
// at-most-one concurrent factory invocation per (region, key), guaranteed
// by golang.org/x/sync/singleflight keyed on region+key, re-checking the
// cache under the collapsed call exactly as the spec requires ("on entry
// it re-checks under the lock"). All concurrent callers for the same key
// receive the same value.
func GetOrCreate[T any](ctx context.Context, m *Manager, region Region, key string, ttl time.Duration, factory Factory[T]) (T, error) {
	var zero T

	if v, ok, err := Get[T](ctx, m, region, key); err != nil {
		return zero, err
	} else if ok {
		return v, nil
	}

	sfKey := string(region) + ":" + key
	v, err, _ := m.sf.Do(sfKey, func() (any, error) {
		// Re-check under the collapsed call: another goroutine may have
		// populated the cache between our initial Get and acquiring the
		// singleflight slot.
		if v, ok, err := Get[T](ctx, m, region, key); err == nil && ok {
			return v, nil
		}

		value, ferr := factory(ctx)
		if ferr != nil {
			return zero, ferr
		}
		if serr := Set(ctx, m, region, key, value, ttl); serr != nil {
			m.logger.Warn("cache: getOrCreate failed to populate cache, returning factory value anyway", "region", region, "key", key, "error", serr)
		}
		return value, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}
