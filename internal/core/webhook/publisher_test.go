package webhook

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"modelgate/internal/core/bus"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []bus.WebhookDeliveryRequested
	failFor   map[string]int // deliveryKey -> remaining failures before success
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{failFor: make(map[string]int)}
}

func (f *fakeDeliverer) Deliver(_ context.Context, req bus.WebhookDeliveryRequested) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failFor[req.DeliveryKey]; n > 0 {
		f.failFor[req.DeliveryKey] = n - 1
		return fmt.Errorf("simulated failure for %s", req.DeliveryKey)
	}
	f.delivered = append(f.delivered, req)
	return nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func testDeliveries(n int, partitionKeys int) []bus.WebhookDeliveryRequested {
	out := make([]bus.WebhookDeliveryRequested, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("pk-%d", i%partitionKeys)
		out[i] = bus.WebhookDeliveryRequested{
			PartitionKey: key,
			DeliveryKey:  fmt.Sprintf("dk-%s-%d", key, i),
			URL:          "https://hooks.example.test/" + key,
			Payload:      []byte(`{"ok":true}`),
		}
	}
	return out
}

func waitForCount(t *testing.T, d *fakeDeliverer, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.count() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d delivered, got %d", want, d.count())
}

func TestPublisherBatchesAcrossPartitionKeys(t *testing.T) {
	deliverer := newFakeDeliverer()
	tracker := NewMemTracker()
	cfg := Config{MaxBatchSize: 50, MaxBatchDelay: 20 * time.Millisecond, ConcurrentPublishers: 3, FailureThreshold: 5, OpenDuration: time.Minute, CounterResetDuration: time.Minute}
	pub := NewPublisher(cfg, deliverer, tracker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	deliveries := testDeliveries(250, 3)
	for _, d := range deliveries {
		if !pub.Enqueue(d) {
			t.Fatalf("enqueue rejected for %s", d.DeliveryKey)
		}
	}

	waitForCount(t, deliverer, 250, 2*time.Second)

	totalBatches, totalItems := pub.Stats()
	if totalItems != 250 {
		t.Fatalf("expected 250 items processed, got %d", totalItems)
	}
	if totalBatches < 3 {
		t.Fatalf("expected at least 3 batches across partition keys, got %d", totalBatches)
	}
}

func TestPublisherFlushesOnSizeThreshold(t *testing.T) {
	deliverer := newFakeDeliverer()
	tracker := NewMemTracker()
	cfg := Config{MaxBatchSize: 10, MaxBatchDelay: time.Hour, ConcurrentPublishers: 1, FailureThreshold: 5, OpenDuration: time.Minute, CounterResetDuration: time.Minute}
	pub := NewPublisher(cfg, deliverer, tracker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	for _, d := range testDeliveries(10, 1) {
		pub.Enqueue(d)
	}

	waitForCount(t, deliverer, 10, time.Second)
}

func TestPublisherSkipsAlreadyDelivered(t *testing.T) {
	deliverer := newFakeDeliverer()
	tracker := NewMemTracker()
	req := bus.WebhookDeliveryRequested{PartitionKey: "pk", DeliveryKey: "dup-1", URL: "https://hooks.example.test/pk", Payload: []byte("{}")}
	tracker.MarkDelivered(context.Background(), req.DeliveryKey, req.URL)

	cfg := Config{MaxBatchSize: 10, MaxBatchDelay: 10 * time.Millisecond, ConcurrentPublishers: 1, FailureThreshold: 5, OpenDuration: time.Minute, CounterResetDuration: time.Minute}
	pub := NewPublisher(cfg, deliverer, tracker, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	pub.Enqueue(req)
	time.Sleep(100 * time.Millisecond)

	if deliverer.count() != 0 {
		t.Fatalf("expected deduplicated delivery to be skipped, got %d calls", deliverer.count())
	}
}

func TestPublisherRetriesFailedDeliveries(t *testing.T) {
	deliverer := newFakeDeliverer()
	deliverer.failFor["dk-pk-0-0"] = 2
	tracker := NewMemTracker()
	cfg := Config{MaxBatchSize: 10, MaxBatchDelay: 10 * time.Millisecond, ConcurrentPublishers: 1, FailureThreshold: 5, OpenDuration: time.Minute, CounterResetDuration: time.Minute}
	pub := NewPublisher(cfg, deliverer, tracker, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	for _, d := range testDeliveries(1, 1) {
		pub.Enqueue(d)
	}

	waitForCount(t, deliverer, 1, 2*time.Second)

	stats, err := tracker.Stats(context.Background(), "https://hooks.example.test/pk-0")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Failed < 2 {
		t.Fatalf("expected at least 2 recorded failures before success, got %d", stats.Failed)
	}
	if stats.Delivered != 1 {
		t.Fatalf("expected eventual delivery recorded, got %d", stats.Delivered)
	}
}

func TestGroupByPartitionKeyPreservesOrder(t *testing.T) {
	batch := testDeliveries(6, 2)
	groups := groupByPartitionKey(batch)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	for _, g := range groups {
		for i := 1; i < len(g); i++ {
			if g[i].PartitionKey != g[0].PartitionKey {
				t.Fatalf("group mixed partition keys: %+v", g)
			}
		}
	}
}
