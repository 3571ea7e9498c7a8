// Package webhook implements the Webhook Delivery Pipeline (spec §4.J): a
// batching publisher grouped by partition key, a per-URL circuit breaker, a
// distributed delivery tracker deduplicating on deliveryKey, and a
// notification service posting structured JSON over HTTP.
package webhook

import "time"

// Config holds the pipeline's tunables; every field mirrors a named
// constant from spec.md §4.J.
type Config struct {
	MaxBatchSize         int
	MaxBatchDelay        time.Duration
	ConcurrentPublishers int
	FailureThreshold     uint32
	OpenDuration         time.Duration
	CounterResetDuration time.Duration
	DeliveredTTL         time.Duration
	StatsTTL             time.Duration
	RequestTimeout       time.Duration
	RatePerSecond        float64
}

// DefaultConfig mirrors the literal values spec.md §4.J names.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         100,
		MaxBatchDelay:        100 * time.Millisecond,
		ConcurrentPublishers: 3,
		FailureThreshold:     5,
		OpenDuration:         5 * time.Minute,
		CounterResetDuration: 15 * time.Minute,
		DeliveredTTL:         24 * time.Hour,
		StatsTTL:             30 * 24 * time.Hour,
		RequestTimeout:       30 * time.Second,
		RatePerSecond:        50,
	}
}

// DeliveryStats is the per-URL summary spec.md §4.J names.
type DeliveryStats struct {
	Delivered    int64
	Failed       int64
	LastDelivery time.Time
	LastFailure  time.Time
	LastError    string
}
