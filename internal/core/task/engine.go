package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"modelgate/internal/core/bus"
	"modelgate/internal/core/cache"
	"modelgate/internal/core/errkind"
)

// Engine is the Async Task Engine (spec §4.E): a write-through durable
// record backed by repo, with the Regioned Cache Manager's AsyncTasks
// region as a best-effort read accelerator.
type Engine struct {
	repo      Repository
	cacheMgr  *cache.Manager
	publisher bus.Publisher
	cancel    *CancellationRegistry
	retryCfg  RetryConfig
	logger    *slog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithRetryConfig(c RetryConfig) Option { return func(e *Engine) { e.retryCfg = c } }
func WithLogger(l *slog.Logger) Option     { return func(e *Engine) { e.logger = l } }

// NewEngine constructs an Engine. cacheMgr and publisher may be nil (tests
// and single-process setups without those wired).
func NewEngine(repo Repository, cacheMgr *cache.Manager, publisher bus.Publisher, opts ...Option) *Engine {
	e := &Engine{
		repo: repo, cacheMgr: cacheMgr, publisher: publisher,
		cancel: NewCancellationRegistry(), retryCfg: DefaultRetryConfig(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func taskCacheKey(id string) string { return id }

// Create inserts a new task, write-through, and publishes AsyncTaskCreated
// best-effort.
func (e *Engine) Create(ctx context.Context, taskType, virtualKeyID string, metadata any, maxRetries int) (string, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", errkind.Wrap(errkind.Validation, "marshal task metadata", err)
	}

	now := time.Now()
	t := &Task{
		ID: uuid.New().String(), Type: taskType, State: StatePending,
		CreatedAt: now, UpdatedAt: now, VirtualKeyID: virtualKeyID,
		MetadataJSON: string(metaJSON), MaxRetries: maxRetries,
	}

	if err := e.repo.Create(ctx, t); err != nil {
		return "", err
	}
	e.cacheWrite(ctx, t)

	bus.PublishBestEffort(ctx, e.publisher, e.logger, bus.TopicAsyncTaskCreated, t.ID, bus.AsyncTaskCreated{
		TaskID: t.ID, TaskType: t.Type, VirtualKeyID: t.VirtualKeyID,
	})
	return t.ID, nil
}

// GetStatus reads cache first; on miss or malformed value falls through
// to the durable record and repopulates the cache (spec §4.E).
func (e *Engine) GetStatus(ctx context.Context, id string) (*Task, error) {
	if e.cacheMgr != nil {
		if t, ok, err := cache.Get[Task](ctx, e.cacheMgr, cache.RegionAsyncTasks, taskCacheKey(id)); err == nil && ok {
			return &t, nil
		}
	}

	t, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheWrite(ctx, t)
	return t, nil
}

func (e *Engine) cacheWrite(ctx context.Context, t *Task) {
	if e.cacheMgr == nil {
		return
	}
	if err := cache.Set(ctx, e.cacheMgr, cache.RegionAsyncTasks, taskCacheKey(t.ID), *t, 10*time.Minute); err != nil {
		e.logger.Warn("task: cache write failed, durable record remains source of truth", "taskId", t.ID, "error", err)
	}
}

// UpdateInput carries the fields Update may change.
type UpdateInput struct {
	State           *State
	Progress        *int
	ProgressMessage *string
	Result          any
	Err             error
}

// Update applies a state transition, write-through. Terminal states are
// immutable except for result/error (spec §3 invariant): a task already
// in a terminal state rejects further State changes.
func (e *Engine) Update(ctx context.Context, id string, in UpdateInput) (*Task, error) {
	t, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.State.Terminal() && in.State != nil && *in.State != t.State {
		return nil, errkind.New(errkind.Validation, fmt.Sprintf("task %s already in terminal state %s", id, t.State))
	}

	now := time.Now()
	t.UpdatedAt = now

	if in.Progress != nil {
		t.ProgressPercent = *in.Progress
	}
	if in.ProgressMessage != nil {
		t.ProgressMessage = *in.ProgressMessage
	}
	if in.Result != nil {
		raw, merr := json.Marshal(in.Result)
		if merr == nil {
			t.ResultJSON = string(raw)
		}
	}
	if in.Err != nil {
		t.Error = in.Err.Error()
	}

	if in.State != nil {
		t.State = *in.State
		if t.State.Terminal() {
			t.CompletedAt = &now
			e.cancel.Unregister(id)
		}
	}

	// Retry policy: applied when state=Pending and an error is present
	// (spec §4.E).
	if t.State == StatePending && t.Error != "" {
		if t.RetryCount < t.MaxRetries {
			t.RetryCount++
			next := e.retryCfg.NextRetryAt(now, t.RetryCount)
			t.NextRetryAt = &next
		} else {
			t.State = StateFailed
			t.CompletedAt = &now
		}
	}

	if err := e.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	e.cacheWrite(ctx, t)

	bus.PublishBestEffort(ctx, e.publisher, e.logger, bus.TopicAsyncTaskUpdated, t.ID, bus.AsyncTaskUpdated{
		TaskID: t.ID, State: string(t.State), Progress: t.ProgressPercent, IsCompleted: t.State.Terminal(),
	})
	return t, nil
}

// PollUntilCompleted loops with interval until the task reaches a terminal
// state or timeout elapses; on timeout the task transitions to TimedOut
// and the final status is returned (spec §4.E).
func (e *Engine) PollUntilCompleted(ctx context.Context, id string, interval, timeout time.Duration) (*Task, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := e.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.State.Terminal() {
			return t, nil
		}
		if time.Now().After(deadline) {
			timedOut := StateTimedOut
			return e.Update(ctx, id, UpdateInput{State: &timedOut})
		}

		select {
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.Cancellation, "poll cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Cancel attempts to cancel taskId's running work (if a cancellation
// source is registered) and transitions it to Cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (*Task, error) {
	e.cancel.TryCancel(id)
	cancelled := StateCancelled
	return e.Update(ctx, id, UpdateInput{State: &cancelled})
}

// Delete removes the durable record and any cached copy.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if e.cacheMgr != nil {
		e.cacheMgr.Remove(ctx, cache.RegionAsyncTasks, taskCacheKey(id))
	}
	return e.repo.Delete(ctx, id)
}

// GetPending lists pending tasks, optionally filtered by type.
func (e *Engine) GetPending(ctx context.Context, taskType string, limit int) ([]*Task, error) {
	return e.repo.GetPending(ctx, taskType, limit)
}

// CleanupOlderThan removes terminal tasks created before now-duration.
func (e *Engine) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return e.repo.DeleteOlderThan(ctx, time.Now().Add(-age))
}

// RegisterCancellation associates a fresh cancellation source with id,
// returning a context a long-running consumer should use for its
// provider call.
func (e *Engine) RegisterCancellation(parent context.Context, id string) context.Context {
	return e.cancel.RegisterTask(parent, id)
}
