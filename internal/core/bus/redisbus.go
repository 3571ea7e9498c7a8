package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis Streams, one stream per
// (topic, routingKey) shard is unnecessary — instead a single stream per
// topic is used with the routing key embedded in the entry, and consumer
// groups read in the order entries were appended, which preserves
// per-partition-key ordering as long as producers append with a
// monotonic clock (XADD's own sequence guarantees this per-stream).
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus wraps an existing go-redis client. The client's connection
// lifecycle is owned by the caller.
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, logger: logger}
}

func streamKey(topic Topic) string {
	return fmt.Sprintf("bus:stream:%s", topic)
}

func (b *RedisBus) Publish(ctx context.Context, topic Topic, routingKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for topic %s: %w", topic, err)
	}
	env := Envelope{Version: 1, Topic: topic, RoutingKey: routingKey, PublishedAt: time.Now().UTC(), Payload: raw}
	if err := env.Validate(); err != nil {
		return err
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		MaxLen: 100_000,
		Approx: true,
		Values: map[string]any{
			"routingKey": routingKey,
			"envelope":   string(envJSON),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: xadd failed: %w", err)
	}
	return nil
}

// Subscribe starts a background goroutine reading topic's stream under the
// given consumer group, calling h for each entry and acking on success. A
// failed handler call is logged and left unacked so it is redelivered to
// another consumer in the group (at-least-once).
func (b *RedisBus) Subscribe(ctx context.Context, topic Topic, consumerGroup string, h Handler) error {
	stream := streamKey(topic)
	err := b.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("bus: create consumer group: %w", err)
	}

	consumerName := fmt.Sprintf("%s-%d", consumerGroup, time.Now().UnixNano())
	go b.consumeLoop(ctx, stream, topic, consumerGroup, consumerName, h)
	return nil
}

func (b *RedisBus) consumeLoop(ctx context.Context, stream string, topic Topic, group, consumer string, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    50,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("bus: xreadgroup failed", "topic", topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				b.handleMessage(ctx, stream, group, topic, msg, h)
			}
		}
	}
}

func (b *RedisBus) handleMessage(ctx context.Context, stream, group string, topic Topic, msg redis.XMessage, h Handler) {
	raw, _ := msg.Values["envelope"].(string)
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Error("bus: malformed envelope, acking to drop", "topic", topic, "id", msg.ID, "error", err)
		b.client.XAck(ctx, stream, group, msg.ID)
		return
	}

	if err := h(ctx, env); err != nil {
		b.logger.Warn("bus: handler failed, leaving unacked for redelivery", "topic", topic, "id", msg.ID, "error", err)
		return
	}
	b.client.XAck(ctx, stream, group, msg.ID)
}

func isBusyGroupErr(err error) bool {
	return err != nil && redisErrContains(err, "BUSYGROUP")
}

func redisErrContains(err error, substr string) bool {
	s := err.Error()
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
