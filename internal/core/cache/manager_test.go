package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetAfterSetReturnsValue(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	if err := Set(ctx, m, RegionModelMetadata, "gpt-x", "hello", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, ok, err := Get[string](ctx, m, RegionModelMetadata, "gpt-x")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	Set(ctx, m, RegionDefault, "k", 42, time.Minute)

	ok1, err := m.Remove(ctx, RegionDefault, "k")
	if err != nil || !ok1 {
		t.Fatalf("expected first remove to report true, got %v %v", ok1, err)
	}
	ok2, err := m.Remove(ctx, RegionDefault, "k")
	if err != nil || ok2 {
		t.Fatalf("expected second remove to be a safe no-op, got %v %v", ok2, err)
	}

	_, ok, _ := Get[int](ctx, m, RegionDefault, "k")
	if ok {
		t.Fatalf("expected miss after removal")
	}
}

func TestCachingDisabledRegionErrors(t *testing.T) {
	m := NewManager(WithRegionConfigs(map[Region]RegionConfig{
		RegionDefault: {Enabled: false, UseMemory: false, UseDistributed: false},
	}))
	ctx := context.Background()

	if err := Set(ctx, m, RegionDefault, "k", "v", time.Minute); err != ErrCachingDisabled {
		t.Fatalf("expected ErrCachingDisabled, got %v", err)
	}
	if _, _, err := Get[string](ctx, m, RegionDefault, "k"); err != ErrCachingDisabled {
		t.Fatalf("expected ErrCachingDisabled, got %v", err)
	}
}

func TestGetOrCreateStampede(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	var invocations int64
	factory := func(ctx context.Context) (string, error) {
		atomic.AddInt64(&invocations, 1)
		time.Sleep(200 * time.Millisecond)
		return "computed", nil
	}

	const n = 100
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := GetOrCreate(ctx, m, RegionModelMetadata, "model:gpt-x", time.Minute, factory)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[idx] = v
		}(i)
	}
	wg.Wait()

	if invocations != 1 {
		t.Fatalf("expected factory invoked exactly once, got %d", invocations)
	}
	for _, r := range results {
		if r != "computed" {
			t.Fatalf("expected every caller to receive the same value, got %q", r)
		}
	}
}

func TestEvictionEventFired(t *testing.T) {
	var events []EvictionEvent
	var mu sync.Mutex
	m := NewManager(WithEvictionHandler(func(e EvictionEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))
	ctx := context.Background()

	Set(ctx, m, RegionDefault, "k", "v1", time.Minute)
	Set(ctx, m, RegionDefault, "k", "v2", time.Minute) // replace

	m.Remove(ctx, RegionDefault, "k")

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("expected at least replace+remove eviction events, got %d", len(events))
	}
}
