package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript atomically compares the stored value to the caller's
// lockValue before deleting, fencing the release exactly like the
// teacher's ON CONFLICT-guarded circuit-breaker updates guard against
// stale writers, just expressed as a Lua CAS instead of a SQL predicate.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// extendScript atomically compares-then-extends the TTL.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// Store is the Redis-backed Service backend, grounded on
// wisbric-nightowl/pkg/alert/dedup.go's get/set-with-TTL idiom generalized
// to a compare-and-swap release/extend via small embedded Lua scripts
// (go-redis's Eval), since plain GET+DEL would race against a concurrent
// re-acquisition between the two calls.
type Store struct {
	client *redis.Client
}

// NewStore wraps an existing go-redis client; its connection lifecycle is
// owned by the caller.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func redisKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

func (s *Store) Acquire(ctx context.Context, key string, expiry time.Duration) (*Lock, error) {
	value := uuid.New().String()
	ok, err := s.client.SetNX(ctx, redisKey(key), value, expiry).Result()
	if err != nil {
		return nil, nil // transient backend error => absent, caller decides retry (spec §4.A)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{Key: key, Value: value, ExpiresAt: time.Now().Add(expiry)}, nil
}

func (s *Store) AcquireWithRetry(ctx context.Context, key string, expiry, timeout, retryDelay time.Duration) (*Lock, error) {
	return AcquireWithRetry(ctx, s, key, expiry, timeout, retryDelay)
}

func (s *Store) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKey(key)).Result()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

func (s *Store) Extend(ctx context.Context, l *Lock, duration time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	res, err := s.client.Eval(ctx, extendScript, []string{redisKey(l.Key)}, l.Value, duration.Milliseconds()).Result()
	if err != nil {
		return false, nil
	}
	n, _ := res.(int64)
	if n == 1 {
		l.ExpiresAt = time.Now().Add(duration)
		return true, nil
	}
	return false, nil
}

func (s *Store) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	// Fencing mismatch is a silent no-op per spec §4.A; transient backend
	// errors are swallowed the same way since release is best-effort
	// cleanup (the lock will still expire on its own TTL).
	s.client.Eval(ctx, releaseScript, []string{redisKey(l.Key)}, l.Value)
	return nil
}
