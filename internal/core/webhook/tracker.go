package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryTracker deduplicates deliveries on deliveryKey and keeps
// per-URL rolling statistics (spec §4.J "Delivery Tracker (distributed)").
type DeliveryTracker interface {
	IsDelivered(ctx context.Context, deliveryKey string) (bool, error)
	MarkDelivered(ctx context.Context, deliveryKey, url string) error
	RecordFailure(ctx context.Context, url string, cause error) error
	Stats(ctx context.Context, url string) (DeliveryStats, error)
}

func deliveredKey(deliveryKey string) string { return fmt.Sprintf("webhook:delivered:%s", deliveryKey) }
func statsKey(url string) string             { return fmt.Sprintf("webhook:stats:%s", url) }

// RedisTracker is the distributed DeliveryTracker backed by go-redis,
// grounded on wisbric-nightowl/pkg/alert/dedup.go's get/set-with-TTL idiom
// and internal/core/lock's concrete-*redis.Client style.
type RedisTracker struct {
	client       *redis.Client
	deliveredTTL time.Duration
	statsTTL     time.Duration
}

func NewRedisTracker(client *redis.Client, deliveredTTL, statsTTL time.Duration) *RedisTracker {
	return &RedisTracker{client: client, deliveredTTL: deliveredTTL, statsTTL: statsTTL}
}

func (t *RedisTracker) IsDelivered(ctx context.Context, deliveryKey string) (bool, error) {
	n, err := t.client.Exists(ctx, deliveredKey(deliveryKey)).Result()
	if err != nil {
		return false, nil // transient backend error: treat as not-yet-delivered, spec §4.J
	}
	return n > 0, nil
}

func (t *RedisTracker) MarkDelivered(ctx context.Context, deliveryKey, url string) error {
	if err := t.client.Set(ctx, deliveredKey(deliveryKey), url, t.deliveredTTL).Err(); err != nil {
		return fmt.Errorf("webhook: mark delivered: %w", err)
	}
	return t.bumpStats(ctx, url, func(s *DeliveryStats) {
		s.Delivered++
		s.LastDelivery = time.Now()
	})
}

func (t *RedisTracker) RecordFailure(ctx context.Context, url string, cause error) error {
	return t.bumpStats(ctx, url, func(s *DeliveryStats) {
		s.Failed++
		s.LastFailure = time.Now()
		if cause != nil {
			s.LastError = cause.Error()
		}
	})
}

func (t *RedisTracker) bumpStats(ctx context.Context, url string, mutate func(*DeliveryStats)) error {
	s, err := t.Stats(ctx, url)
	if err != nil {
		return err
	}
	mutate(&s)
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("webhook: marshal stats: %w", err)
	}
	if err := t.client.Set(ctx, statsKey(url), raw, t.statsTTL).Err(); err != nil {
		return fmt.Errorf("webhook: write stats: %w", err)
	}
	return nil
}

func (t *RedisTracker) Stats(ctx context.Context, url string) (DeliveryStats, error) {
	val, err := t.client.Get(ctx, statsKey(url)).Result()
	if err == redis.Nil {
		return DeliveryStats{}, nil
	}
	if err != nil {
		return DeliveryStats{}, fmt.Errorf("webhook: read stats: %w", err)
	}
	var s DeliveryStats
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return DeliveryStats{}, fmt.Errorf("webhook: decode stats: %w", err)
	}
	return s, nil
}

// MemTracker is an in-process DeliveryTracker for tests and single-instance
// deployments that don't need cross-process dedup.
type MemTracker struct {
	mu        sync.Mutex
	delivered map[string]bool
	stats     map[string]DeliveryStats
}

func NewMemTracker() *MemTracker {
	return &MemTracker{delivered: make(map[string]bool), stats: make(map[string]DeliveryStats)}
}

func (t *MemTracker) IsDelivered(_ context.Context, deliveryKey string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delivered[deliveryKey], nil
}

func (t *MemTracker) MarkDelivered(_ context.Context, deliveryKey, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered[deliveryKey] = true
	s := t.stats[url]
	s.Delivered++
	s.LastDelivery = time.Now()
	t.stats[url] = s
	return nil
}

func (t *MemTracker) RecordFailure(_ context.Context, url string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats[url]
	s.Failed++
	s.LastFailure = time.Now()
	if cause != nil {
		s.LastError = cause.Error()
	}
	t.stats[url] = s
	return nil
}

func (t *MemTracker) Stats(_ context.Context, url string) (DeliveryStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats[url], nil
}
