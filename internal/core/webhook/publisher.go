package webhook

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"modelgate/internal/core/bus"
)

// Deliverer sends one delivery and reports success/failure. NotificationService
// implements this; tests substitute a fake.
type Deliverer interface {
	Deliver(ctx context.Context, req bus.WebhookDeliveryRequested) error
}

// Publisher is the Batching Publisher background task (spec §4.J): a
// bounded queue sharded by partition key so that concurrentPublishers
// worker goroutines can run concurrently while still preserving delivery
// order within any one partition key, grounded on the teacher's
// ticker-plus-channel background-goroutine idiom generalized to N shards.
type Publisher struct {
	cfg       Config
	shards    []chan bus.WebhookDeliveryRequested
	deliverer Deliverer
	tracker   DeliveryTracker
	breakers  *breakerRegistry
	logger    *slog.Logger

	mu           sync.Mutex
	totalBatches int
	totalItems   int
}

// NewPublisher constructs a Publisher. Call Run to start its worker
// goroutines; Run blocks until ctx is cancelled.
func NewPublisher(cfg Config, deliverer Deliverer, tracker DeliveryTracker, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConcurrentPublishers <= 0 {
		cfg.ConcurrentPublishers = 3
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxBatchDelay <= 0 {
		cfg.MaxBatchDelay = 100 * time.Millisecond
	}

	shards := make([]chan bus.WebhookDeliveryRequested, cfg.ConcurrentPublishers)
	for i := range shards {
		shards[i] = make(chan bus.WebhookDeliveryRequested, cfg.MaxBatchSize*4)
	}

	return &Publisher{
		cfg: cfg, shards: shards, deliverer: deliverer, tracker: tracker,
		breakers: newBreakerRegistry(cfg), logger: logger,
	}
}

func (p *Publisher) shardFor(partitionKey string) int {
	h := fnv.New32a()
	h.Write([]byte(partitionKey))
	return int(h.Sum32()) % len(p.shards)
}

// Enqueue returns immediately once req is accepted onto its shard's queue
// (spec §4.J "Enqueue returns immediately"). Returns false if the shard's
// queue is full, signalling backpressure to the caller.
func (p *Publisher) Enqueue(req bus.WebhookDeliveryRequested) bool {
	shard := p.shards[p.shardFor(req.PartitionKey)]
	select {
	case shard <- req:
		return true
	default:
		return false
	}
}

// Run starts one goroutine per shard, each batching by size or timer and
// flushing through errgroup-parallelized per-partition-key publication. It
// blocks until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, shard := range p.shards {
		shard := shard
		g.Go(func() error {
			p.runShard(ctx, shard)
			return nil
		})
	}
	return g.Wait()
}

func (p *Publisher) runShard(ctx context.Context, queue chan bus.WebhookDeliveryRequested) {
	var buf []bus.WebhookDeliveryRequested
	timer := time.NewTimer(p.cfg.MaxBatchDelay)
	defer timer.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		p.flush(ctx, buf)
		buf = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case req, ok := <-queue:
			if !ok {
				flush()
				return
			}
			buf = append(buf, req)
			if len(buf) >= p.cfg.MaxBatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(p.cfg.MaxBatchDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(p.cfg.MaxBatchDelay)
		}
	}
}

// flush groups batch by partitionKey (preserving per-key ordering) and
// publishes each group concurrently (spec §4.J).
func (p *Publisher) flush(ctx context.Context, batch []bus.WebhookDeliveryRequested) {
	groups := groupByPartitionKey(batch)

	p.mu.Lock()
	p.totalBatches++
	p.totalItems += len(batch)
	p.mu.Unlock()

	var g errgroup.Group
	for _, group := range groups {
		group := group
		g.Go(func() error {
			p.publishGroup(ctx, group)
			return nil
		})
	}
	g.Wait()
}

// publishGroup delivers each item of group in order, re-enqueueing any item
// that fails so a later flush of the same shard retries it (spec §4.J "On
// error, the batch is re-enqueued").
func (p *Publisher) publishGroup(ctx context.Context, group []bus.WebhookDeliveryRequested) {
	for _, req := range group {
		if err := p.deliverOne(ctx, req); err != nil {
			if !p.Enqueue(req) {
				p.logger.Warn("webhook: dropping delivery, shard queue full on retry", "deliveryKey", req.DeliveryKey, "url", req.URL)
			}
		}
	}
}

func (p *Publisher) deliverOne(ctx context.Context, req bus.WebhookDeliveryRequested) error {
	if delivered, err := p.tracker.IsDelivered(ctx, req.DeliveryKey); err == nil && delivered {
		return nil
	}

	breaker := p.breakers.breakerFor(req.URL)
	_, err := breaker.Execute(func() (any, error) {
		return nil, p.deliverer.Deliver(ctx, req)
	})
	if err != nil {
		p.logger.Warn("webhook: delivery failed", "url", req.URL, "deliveryKey", req.DeliveryKey, "error", err)
		if recErr := p.tracker.RecordFailure(ctx, req.URL, err); recErr != nil {
			p.logger.Warn("webhook: recording failure", "error", recErr)
		}
		return err
	}

	if err := p.tracker.MarkDelivered(ctx, req.DeliveryKey, req.URL); err != nil {
		p.logger.Warn("webhook: marking delivered", "error", err)
	}
	return nil
}

// groupByPartitionKey groups batch into ordered-by-first-appearance
// sub-slices sharing a partitionKey, preserving each group's internal
// ordering.
func groupByPartitionKey(batch []bus.WebhookDeliveryRequested) [][]bus.WebhookDeliveryRequested {
	index := make(map[string]int)
	var groups [][]bus.WebhookDeliveryRequested
	for _, req := range batch {
		i, ok := index[req.PartitionKey]
		if !ok {
			i = len(groups)
			index[req.PartitionKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], req)
	}
	return groups
}

// Stats reports the lifetime batch/item counters (used by tests and the
// composition layer's metrics).
func (p *Publisher) Stats() (totalBatches, totalItems int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalBatches, p.totalItems
}
