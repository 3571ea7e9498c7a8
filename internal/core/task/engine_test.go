package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine() *Engine {
	return NewEngine(NewMemRepository(), nil, nil)
}

func TestCreateAndGetStatusRoundTrip(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, err := e.Create(ctx, "video.generate", "vk-1", map[string]string{"prompt": "a cat"}, 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := e.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.State != StatePending {
		t.Fatalf("expected Pending, got %s", got.State)
	}
	if got.VirtualKeyID != "vk-1" {
		t.Fatalf("expected vk-1, got %s", got.VirtualKeyID)
	}
}

func TestUpdateAppliesRetryBackoffOnError(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, _ := e.Create(ctx, "video.generate", "vk-1", nil, 3)

	before := time.Now()
	updated, err := e.Update(ctx, id, UpdateInput{Err: errors.New("provider timeout")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if updated.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", updated.RetryCount)
	}
	if updated.State != StatePending {
		t.Fatalf("expected still Pending while retries remain, got %s", updated.State)
	}
	if updated.NextRetryAt == nil || !updated.NextRetryAt.After(before) {
		t.Fatalf("expected nextRetryAt set in the future")
	}
}

func TestUpdateExhaustsRetriesAndFails(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, _ := e.Create(ctx, "video.generate", "vk-1", nil, 1)

	_, err := e.Update(ctx, id, UpdateInput{Err: errors.New("boom")})
	if err != nil {
		t.Fatalf("Update 1: %v", err)
	}

	final, err := e.Update(ctx, id, UpdateInput{Err: errors.New("boom again")})
	if err != nil {
		t.Fatalf("Update 2: %v", err)
	}
	if final.State != StateFailed {
		t.Fatalf("expected Failed after exhausting retries, got %s", final.State)
	}
	if final.CompletedAt == nil {
		t.Fatalf("expected completedAt set on terminal state")
	}
}

func TestTerminalStateRejectsFurtherStateChange(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, _ := e.Create(ctx, "video.generate", "vk-1", nil, 3)
	completed := StateCompleted
	if _, err := e.Update(ctx, id, UpdateInput{State: &completed}); err != nil {
		t.Fatalf("Update to Completed: %v", err)
	}

	processing := StateProcessing
	if _, err := e.Update(ctx, id, UpdateInput{State: &processing}); err == nil {
		t.Fatalf("expected error when transitioning out of terminal state")
	}
}

func TestPollUntilCompletedReturnsOnCompletion(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, _ := e.Create(ctx, "video.generate", "vk-1", nil, 3)

	go func() {
		time.Sleep(20 * time.Millisecond)
		completed := StateCompleted
		_, _ = e.Update(ctx, id, UpdateInput{State: &completed})
	}()

	got, err := e.PollUntilCompleted(ctx, id, 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("PollUntilCompleted: %v", err)
	}
	if got.State != StateCompleted {
		t.Fatalf("expected Completed, got %s", got.State)
	}
}

func TestPollUntilCompletedTimesOut(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, _ := e.Create(ctx, "video.generate", "vk-1", nil, 3)

	got, err := e.PollUntilCompleted(ctx, id, 5*time.Millisecond, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("PollUntilCompleted: %v", err)
	}
	if got.State != StateTimedOut {
		t.Fatalf("expected TimedOut, got %s", got.State)
	}
}

func TestCancelTransitionsToCancelled(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, _ := e.Create(ctx, "video.generate", "vk-1", nil, 3)
	_ = e.RegisterCancellation(ctx, id)

	got, err := e.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.State != StateCancelled {
		t.Fatalf("expected Cancelled, got %s", got.State)
	}
}

func TestDeleteRemovesTask(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	id, _ := e.Create(ctx, "video.generate", "vk-1", nil, 3)
	if err := e.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.GetStatus(ctx, id); err == nil {
		t.Fatalf("expected error getting deleted task")
	}
}
