package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Publisher is the minimal contract every core-service component needs
// from the message bus: best-effort, non-blocking publication of a typed
// event under a topic and routing key. Implementations must never block
// the caller's primary operation on a slow or unavailable transport — per
// spec §7, event publication failures are logged and swallowed.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, routingKey string, payload any) error
}

// Handler processes one delivered envelope. Handlers must be idempotent:
// the bus guarantees at-least-once delivery, never exactly-once.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber lets a consumer register a Handler for a Topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic, consumerGroup string, h Handler) error
}

// Bus is a Publisher+Subscriber pair. InProcessBus is a local, synchronous,
// dependency-free implementation used in tests and single-process
// deployments; RedisBus (redisbus.go) backs multi-process deployments
// using Redis Streams so that partitioned routing keys get in-order
// delivery via XADD/XREADGROUP.
type Bus interface {
	Publisher
	Subscriber
}

// InProcessBus fans events out to locally-registered handlers synchronously
// in the calling goroutine of Publish, matching the teacher's "best effort,
// never blocks the primary path" philosophy by being wrapped in
// PublishAsync at call sites that care.
type InProcessBus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   *slog.Logger
}

// NewInProcessBus constructs an in-memory bus, suitable for tests and for
// single-instance deployments that don't need cross-process fan-out.
func NewInProcessBus(logger *slog.Logger) *InProcessBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessBus{handlers: make(map[Topic][]Handler), logger: logger}
}

func (b *InProcessBus) Subscribe(_ context.Context, topic Topic, _ string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

func (b *InProcessBus) Publish(ctx context.Context, topic Topic, routingKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for topic %s: %w", topic, err)
	}
	env := Envelope{Version: 1, Topic: topic, RoutingKey: routingKey, Payload: raw}
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			b.logger.Warn("bus: handler failed", "topic", topic, "routingKey", routingKey, "error", err)
		}
	}
	return nil
}

// PublishBestEffort publishes and only logs on failure, never returning an
// error to the caller — the idiom the teacher's internal/gateway/events.go
// uses for every side-channel write (metrics, Postgres event rows).
func PublishBestEffort(ctx context.Context, p Publisher, logger *slog.Logger, topic Topic, routingKey string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, topic, routingKey, payload); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("event publish failed", "topic", topic, "routingKey", routingKey, "error", err)
	}
}
