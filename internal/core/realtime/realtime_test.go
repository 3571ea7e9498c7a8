package realtime

import (
	"context"
	"testing"
	"time"
)

func newTestSession(id, vkey string, state State, lastActivity time.Time) *Session {
	return &Session{
		ID: id, Provider: "openai-realtime", State: state,
		CreatedAt: lastActivity, LastActivity: lastActivity,
		Metadata: map[string]string{"virtualKey": vkey},
	}
}

func TestIndicesMatchMembership(t *testing.T) {
	store := NewMemStore(nil)
	ctx := context.Background()
	now := time.Now()

	s1 := newTestSession("s1", "vk-a", StateActive, now)
	s2 := newTestSession("s2", "vk-a", StateActive, now)
	s3 := newTestSession("s3", "vk-b", StateClosed, now)

	store.StoreSession(ctx, s1, time.Hour)
	store.StoreSession(ctx, s2, time.Hour)
	store.StoreSession(ctx, s3, time.Hour)

	active, _ := store.GetActive(ctx)
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}

	byTenantA, _ := store.GetByTenant(ctx, "vk-a")
	if len(byTenantA) != 2 {
		t.Fatalf("expected 2 sessions for vk-a, got %d", len(byTenantA))
	}

	byTenantB, _ := store.GetByTenant(ctx, "vk-b")
	if len(byTenantB) != 1 {
		t.Fatalf("expected 1 session for vk-b (even though closed), got %d", len(byTenantB))
	}
}

func TestZombieSweepTransitionsAndRemoves(t *testing.T) {
	var metrics []Metric
	store := NewMemStore(func(m Metric) { metrics = append(metrics, m) })
	ctx := context.Background()

	old := time.Now().Add(-16 * time.Minute)
	s := newTestSession("zombie1", "vk-a", StateActive, old)
	s.CreatedAt = time.Now().Add(-960 * time.Second)
	store.StoreSession(ctx, s, time.Hour)

	mgr := NewManager(store, LifecycleConfig{ZombieSessionThreshold: 15 * time.Minute, AutoTerminateZombies: true}, nil)
	mgr.runZombieSweep(ctx)

	if _, ok, _ := store.Get(ctx, "zombie1"); !ok {
		t.Fatalf("expected session record to remain retrievable after transition")
	}

	active, _ := store.GetActive(ctx)
	for _, a := range active {
		if a.ID == "zombie1" {
			t.Fatalf("expected zombie session removed from active index")
		}
	}

	if len(metrics) != 1 {
		t.Fatalf("expected exactly one metric emitted, got %d", len(metrics))
	}
	if metrics[0].Reason != "zombie" {
		t.Fatalf("expected reason=zombie, got %q", metrics[0].Reason)
	}
	if metrics[0].SessionDurationSeconds < 900 {
		t.Fatalf("expected duration ~960s, got %f", metrics[0].SessionDurationSeconds)
	}
}

func TestCleanupExpiredRemovesOldSessions(t *testing.T) {
	var metrics []Metric
	store := NewMemStore(func(m Metric) { metrics = append(metrics, m) })
	ctx := context.Background()

	old := newTestSession("old1", "vk-a", StateActive, time.Now().Add(-3*time.Hour))
	old.CreatedAt = time.Now().Add(-3 * time.Hour)
	fresh := newTestSession("fresh1", "vk-a", StateActive, time.Now())

	store.StoreSession(ctx, old, time.Hour)
	store.StoreSession(ctx, fresh, time.Hour)

	n, err := store.CleanupExpired(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, ok, _ := store.Get(ctx, "old1"); ok {
		t.Fatalf("expected old session removed")
	}
	if _, ok, _ := store.Get(ctx, "fresh1"); !ok {
		t.Fatalf("expected fresh session retained")
	}
}
