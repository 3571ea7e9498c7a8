package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyActiveIndex = "realtime:index:active"
	keyTenantIndexPrefix = "realtime:index:vkey:"
	keySessionPrefix = "realtime:session:"
)

// RedisStore mirrors MemStore's semantics over Redis so multiple gateway
// instances share one view of live sessions: hot data lives in a local
// MemStore for fast reads, Redis holds the durable mirror plus the two
// index sets spec §6 names (`realtime:index:active`,
// `realtime:index:vkey:<virtualKey>`).
type RedisStore struct {
	client *redis.Client
	local  *MemStore
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, local *MemStore, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, local: local, logger: logger}
}

func sessionKey(id string) string { return keySessionPrefix + id }
func tenantIndexKey(vk string) string { return keyTenantIndexPrefix + vk }

func (r *RedisStore) StoreSession(ctx context.Context, s *Session, ttl time.Duration) error {
	if err := r.local.StoreSession(ctx, s, ttl); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return r.mirror(ctx, s, ttl)
}

func (r *RedisStore) Update(ctx context.Context, s *Session) error {
	if err := r.local.Update(ctx, s); err != nil {
		return err
	}
	return r.mirror(ctx, s, defaultSessionTTL)
}

func (r *RedisStore) mirror(ctx context.Context, s *Session, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("realtime: marshal session: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, sessionKey(s.ID), raw, ttl)
	if s.State != StateClosed && s.State != StateError {
		pipe.SAdd(ctx, keyActiveIndex, s.ID)
	} else {
		pipe.SRem(ctx, keyActiveIndex, s.ID)
	}
	if vk := s.virtualKey(); vk != "" {
		pipe.SAdd(ctx, tenantIndexKey(vk), s.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("realtime: redis mirror failed", "sessionId", s.ID, "error", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, bool, error) {
	if s, ok, _ := r.local.Get(ctx, id); ok {
		return s, true, nil
	}
	val, err := r.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, false, nil
	}
	r.local.StoreSession(ctx, &s, defaultSessionTTL)
	return &s, true, nil
}

func (r *RedisStore) Remove(ctx context.Context, id string) error {
	s, ok, _ := r.Get(ctx, id)
	r.local.Remove(ctx, id)
	r.client.Del(ctx, sessionKey(id))
	r.client.SRem(ctx, keyActiveIndex, id)
	if ok && s != nil {
		if vk := s.virtualKey(); vk != "" {
			r.client.SRem(ctx, tenantIndexKey(vk), id)
		}
	}
	return nil
}

func (r *RedisStore) GetActive(ctx context.Context) ([]*Session, error) {
	return r.local.GetActive(ctx)
}

func (r *RedisStore) GetByTenant(ctx context.Context, virtualKey string) ([]*Session, error) {
	return r.local.GetByTenant(ctx, virtualKey)
}

func (r *RedisStore) UpdateMetrics(ctx context.Context, id string, stats Statistics) error {
	if err := r.local.UpdateMetrics(ctx, id, stats); err != nil {
		return err
	}
	if s, ok, _ := r.local.Get(ctx, id); ok {
		return r.mirror(ctx, s, defaultSessionTTL)
	}
	return nil
}

func (r *RedisStore) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	return r.local.CleanupExpired(ctx, maxAge)
}
