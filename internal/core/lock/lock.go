// Package lock implements cross-process mutual exclusion over three
// interchangeable backends (in-process, Redis, Postgres advisory), all
// satisfying the fenced acquire/extend/release contract: only the holder
// that acquired a lock (identified by its unique lockValue) may extend or
// release it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"modelgate/internal/core/errkind"
)

// ErrTimeout is returned by AcquireWithRetry when the retry budget elapses
// without acquiring the lock.
var ErrTimeout = errors.New("lock: acquire timed out")

// Lock is a held lock handle. Callers must treat the zero value as invalid;
// only values returned by Service.Acquire are valid.
type Lock struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// IsValid reports whether the lock's expiry has not yet passed, based on
// the caller's local clock. Backends enforce their own expiry
// authoritatively; this is a convenience check with the 1s grace the spec
// allows for clock skew between caller and backend.
func (l Lock) IsValid() bool {
	return time.Now().Before(l.ExpiresAt.Add(time.Second))
}

// Service is the Distributed Lock contract (spec §4.A), implemented by
// MemStore, Store (Redis), and PGStore.
type Service interface {
	// Acquire attempts to take the lock, returning (nil, nil) if it is
	// currently held by someone else (absent, not an error).
	Acquire(ctx context.Context, key string, expiry time.Duration) (*Lock, error)
	// AcquireWithRetry polls Acquire until it succeeds or timeout elapses,
	// sleeping retryDelay (jittered) between attempts.
	AcquireWithRetry(ctx context.Context, key string, expiry, timeout, retryDelay time.Duration) (*Lock, error)
	// IsLocked reports whether key is currently held by a live lock.
	IsLocked(ctx context.Context, key string) (bool, error)
	// Extend pushes out a held lock's expiry. Returns false if l is not
	// the current holder (fencing) or the lock has already expired.
	Extend(ctx context.Context, l *Lock, duration time.Duration) (bool, error)
	// Release gives up a held lock. A fencing mismatch is a silent no-op,
	// not an error, matching spec §4.A.
	Release(ctx context.Context, l *Lock) error
}

// AcquireWithRetry is a backend-agnostic helper built only on Acquire, so
// backends need not reimplement the polling loop. Backends embed this via
// composition (see memlock/redislock/pglock) rather than calling it
// directly, to keep Service a single small interface per backend file.
func AcquireWithRetry(ctx context.Context, svc Service, key string, expiry, timeout, retryDelay time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		l, err := svc.Acquire(ctx, key, expiry)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, errkind.Wrap(errkind.Concurrency, fmt.Sprintf("acquire %q", key), ErrTimeout)
		}

		sleep := jitter(retryDelay)
		remaining := time.Until(deadline)
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.Cancellation, fmt.Sprintf("acquire %q", key), ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(d) / 2))
	return d - delta/2 + delta
}
