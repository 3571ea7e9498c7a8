package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry is one held lock as tracked by the in-process backend.
type entry struct {
	value     string
	expiresAt time.Time
}

// MemStore is the in-process Service backend: a mapping key -> (value,
// expiresAt) guarded by a single mutex, with a background sweep every 60s
// removing expired entries. This generalizes the teacher's
// resilience.CircuitBreaker sync.Map-plus-TTL cache idiom into a keyed
// mutual-exclusion table, per the Open Question (b) decision recorded in
// DESIGN.md: a keyed table, not a fresh mutex per acquisition.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]entry
	stopCh  chan struct{}
}

// NewMemStore creates an in-process lock store and starts its background
// sweep goroutine. Call Close to stop the sweep.
func NewMemStore() *MemStore {
	s := &MemStore{
		entries: make(map[string]entry),
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweep. Safe to call once.
func (s *MemStore) Close() {
	close(s.stopCh)
}

func (s *MemStore) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

func (s *MemStore) Acquire(_ context.Context, key string, expiry time.Duration) (*Lock, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return nil, nil // held by someone else
	}

	value := uuid.New().String()
	expiresAt := now.Add(expiry)
	s.entries[key] = entry{value: value, expiresAt: expiresAt}
	return &Lock{Key: key, Value: value, ExpiresAt: expiresAt}, nil
}

func (s *MemStore) AcquireWithRetry(ctx context.Context, key string, expiry, timeout, retryDelay time.Duration) (*Lock, error) {
	return AcquireWithRetry(ctx, s, key, expiry, timeout, retryDelay)
}

func (s *MemStore) IsLocked(_ context.Context, key string) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && now.Before(e.expiresAt), nil
}

func (s *MemStore) Extend(_ context.Context, l *Lock, duration time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[l.Key]
	if !ok || e.value != l.Value || now.After(e.expiresAt) {
		return false, nil
	}
	e.expiresAt = now.Add(duration)
	s.entries[l.Key] = e
	l.ExpiresAt = e.expiresAt
	return true, nil
}

func (s *MemStore) Release(_ context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[l.Key]; ok && e.value == l.Value {
		delete(s.entries, l.Key)
	}
	return nil // fencing mismatch is a silent no-op per spec §4.A
}
