// Package task implements the Async Task Engine: hybrid durable-plus-
// cached job tracking with retries, cancellation, progress, and best-effort
// event publication (spec §4.E).
package task

import (
	"context"
	"math/rand"
	"time"

	"modelgate/internal/core/errkind"
)

// State is the AsyncTask lifecycle state (spec §3).
type State string

const (
	StatePending    State = "Pending"
	StateProcessing State = "Processing"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateCancelled  State = "Cancelled"
	StateTimedOut   State = "TimedOut"
)

// Terminal reports whether state is one that AsyncTask's invariant pins
// completedAt for and rejects subsequent state-changes on (spec §3/§8).
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Task is an AsyncTask (spec §3).
type Task struct {
	ID              string
	Type            string
	State           State
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	VirtualKeyID    string
	MetadataJSON    string
	ProgressPercent int
	ResultJSON      string
	Error           string
	RetryCount      int
	MaxRetries      int
	NextRetryAt     *time.Time
	ProgressMessage string
}

// RetryConfig surfaces the backoff constants the spec says must move from
// embedded constants into configuration (Open Question (c)). Defaults
// match spec §4.E's literal values.
type RetryConfig struct {
	Base    time.Duration
	MaxDelay time.Duration
	Jitter  float64 // e.g. 0.2 for +/-20%
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Base: 30 * time.Second, MaxDelay: time.Hour, Jitter: 0.2}
}

// NextRetryAt computes `now + min(base*2^(retryCount-1)*(1+jitter), maxDelay)`
// per spec §4.E, sampling jitter uniformly in [-Jitter, +Jitter].
func (c RetryConfig) NextRetryAt(now time.Time, retryCount int) time.Time {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := float64(c.Base) * pow2(retryCount-1)
	j := (rand.Float64()*2 - 1) * c.Jitter
	backoff *= 1 + j
	d := time.Duration(backoff)
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return now.Add(d)
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	r := 1.0
	for i := 0; i < n; i++ {
		r *= 2
	}
	return r
}

// ErrNotFound is the typed NotFound error for unknown task ids (spec §8).
var ErrNotFound = errkind.Wrap(errkind.Storage, "task not found", errkind.ErrNotFound)

// Repository is the durable record, source of truth per spec §4.E.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error
	GetPending(ctx context.Context, taskType string, limit int) ([]*Task, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
