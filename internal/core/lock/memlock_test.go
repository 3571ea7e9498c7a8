package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestStoreAcquireExclusive(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	l1, err := s.Acquire(ctx, "k1", time.Minute)
	if err != nil || l1 == nil {
		t.Fatalf("expected first acquire to succeed, got %v %v", l1, err)
	}

	l2, err := s.Acquire(ctx, "k1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l2 != nil {
		t.Fatalf("expected second acquire on held key to return absent, got %v", l2)
	}
}

func TestStoreReleaseFencing(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	l1, _ := s.Acquire(ctx, "k1", time.Minute)
	impostor := &Lock{Key: "k1", Value: "not-the-real-value"}

	if err := s.Release(ctx, impostor); err != nil {
		t.Fatalf("release should be a silent no-op, got error: %v", err)
	}

	locked, _ := s.IsLocked(ctx, "k1")
	if !locked {
		t.Fatalf("fencing mismatch must not release the real holder's lock")
	}

	if err := s.Release(ctx, l1); err != nil {
		t.Fatalf("unexpected error releasing real holder: %v", err)
	}
	locked, _ = s.IsLocked(ctx, "k1")
	if locked {
		t.Fatalf("expected key to be unlocked after real release")
	}
}

func TestStoreExtendFencing(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	l1, _ := s.Acquire(ctx, "k1", time.Minute)
	impostor := &Lock{Key: "k1", Value: "wrong"}

	ok, err := s.Extend(ctx, impostor, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected extend by non-owner to return false, got %v %v", ok, err)
	}

	ok, err = s.Extend(ctx, l1, 2*time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected extend by owner to succeed, got %v %v", ok, err)
	}
}

func TestStoreAcquireWithRetryTimesOut(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "busy", time.Minute); err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}

	_, err := s.AcquireWithRetry(ctx, "busy", time.Minute, 50*time.Millisecond, 10*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestStoreOnlyOneConcurrentAcquirer(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := s.Acquire(ctx, "contended", time.Minute)
			if err == nil && l != nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful acquirer, got %d", successes)
	}
}
