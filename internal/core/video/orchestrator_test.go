package video

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"modelgate/internal/core/bus"
	"modelgate/internal/core/media"
	"modelgate/internal/core/router"
	"modelgate/internal/core/task"
)

func testRequestedEvent(taskID string) bus.VideoGenerationRequested {
	return bus.VideoGenerationRequested{RequestID: taskID, Model: "veo-3", Prompt: "a prompt", VirtualKeyID: "vk-1", IsAsync: true}
}

type fakeCapability struct {
	result CreateVideoResult
	err    error
	calls  int
}

func (f *fakeCapability) CreateVideo(_ context.Context, _ CreateVideoRequest, progress ProgressFunc) (CreateVideoResult, error) {
	f.calls++
	if progress != nil {
		progress(50, "processing", "")
	}
	return f.result, f.err
}

type fakeMediaStore struct {
	stored *media.StoredMedia
}

func (f *fakeMediaStore) Store(ctx context.Context, r io.Reader, meta media.Metadata, progress media.ProgressFunc) (*media.StoredMedia, error) {
	return f.StoreVideo(ctx, r, meta, progress)
}

func (f *fakeMediaStore) StoreVideo(_ context.Context, r io.Reader, meta media.Metadata, _ media.ProgressFunc) (*media.StoredMedia, error) {
	b, _ := io.ReadAll(r)
	f.stored = &media.StoredMedia{
		StorageKey: "video/2026/07/31/fake.mp4", SizeBytes: int64(len(b)),
		ContentType: meta.ContentType, CreatedAt: time.Now(),
	}
	return f.stored, nil
}

func (f *fakeMediaStore) GetStream(context.Context, string) (io.ReadCloser, error) { return nil, nil }
func (f *fakeMediaStore) GetInfo(context.Context, string) (*media.StoredMedia, error) {
	return f.stored, nil
}
func (f *fakeMediaStore) Delete(context.Context, string) error      { return nil }
func (f *fakeMediaStore) Exists(context.Context, string) (bool, error) { return f.stored != nil, nil }
func (f *fakeMediaStore) GenerateURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://media.example.test/" + key, nil
}
func (f *fakeMediaStore) GetVideoStream(context.Context, string, *int64, *int64) (*media.RangeResult, error) {
	return nil, nil
}
func (f *fakeMediaStore) InitiateMultipart(context.Context, media.Metadata) (*media.MultipartSession, error) {
	return nil, nil
}
func (f *fakeMediaStore) UploadPart(context.Context, string, int, io.Reader) (*media.PartResult, error) {
	return nil, nil
}
func (f *fakeMediaStore) CompleteMultipart(context.Context, string, []media.PartResult) (*media.StoredMedia, error) {
	return nil, nil
}
func (f *fakeMediaStore) AbortMultipart(context.Context, string) error { return nil }
func (f *fakeMediaStore) PresignUpload(context.Context, media.Metadata, time.Duration) (*media.PresignedUpload, error) {
	return nil, nil
}

func testRouter(t *testing.T) *router.Engine {
	t.Helper()
	e := router.NewEngine()
	err := e.Initialize(router.RouterConfig{
		DefaultStrategy: router.StrategySimple, MaxRetries: 1,
		Deployments: []router.Deployment{
			{Name: "veo-3", ProviderID: "google", ProviderModelID: "veo-3", Priority: 10, Weight: 50, Healthy: true},
		},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e
}

func newTestOrchestrator(t *testing.T, cap CreateVideoCapability, store media.Store) (*Orchestrator, *task.Engine) {
	t.Helper()
	reg := NewRegistry()
	reg.Register("google", cap)
	tasks := task.NewEngine(task.NewMemRepository(), nil, nil)
	pricing := func(string) Pricing { return Pricing{CostPerSecond: 0.10} }
	o := NewOrchestrator(testRouter(t), reg, store, tasks, nil, pricing, WithProgressInterval(5*time.Millisecond))
	return o, tasks
}

func TestGenerateSyncPathStoresAndPublishes(t *testing.T) {
	cap := &fakeCapability{result: CreateVideoResult{Bytes: []byte("video-bytes"), ContentType: "video/mp4", DurationSec: 4}}
	store := &fakeMediaStore{}
	o, _ := newTestOrchestrator(t, cap, store)

	result, err := o.Generate(context.Background(), GenerateRequest{RequestID: "req-1", Model: "veo-3", Prompt: "a cat", VirtualKeyID: "vk-1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.StorageKey == "" || result.VideoURL == "" {
		t.Fatalf("expected storage key and URL populated, got %+v", result)
	}
	if result.SpentAmount != 0.4 {
		t.Fatalf("expected spend 0.4, got %v", result.SpentAmount)
	}
	if cap.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", cap.calls)
	}
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeCapability{}, &fakeMediaStore{})
	if _, err := o.Generate(context.Background(), GenerateRequest{Model: "veo-3"}); err == nil {
		t.Fatalf("expected validation error for empty prompt")
	}
}

func TestGenerateWithTaskCreatesTaskAndHandle(t *testing.T) {
	o, tasks := newTestOrchestrator(t, &fakeCapability{}, &fakeMediaStore{})

	handle, err := o.GenerateWithTask(context.Background(), GenerateRequest{Model: "veo-3", Prompt: "a dog", VirtualKeyID: "vk-1"})
	if err != nil {
		t.Fatalf("GenerateWithTask: %v", err)
	}
	taskID, err := DecodeHandle(handle)
	if err != nil {
		t.Fatalf("DecodeHandle: %v", err)
	}

	st, err := tasks.GetStatus(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Type != taskTypeVideoGeneration {
		t.Fatalf("unexpected task type %q", st.Type)
	}
}

func TestHandleRequestedCompletesTaskOnSuccess(t *testing.T) {
	cap := &fakeCapability{result: CreateVideoResult{Bytes: []byte("bytes"), ContentType: "video/mp4", DurationSec: 2}}
	store := &fakeMediaStore{}
	o, tasks := newTestOrchestrator(t, cap, store)

	handle, err := o.GenerateWithTask(context.Background(), GenerateRequest{Model: "veo-3", Prompt: "a bird", VirtualKeyID: "vk-1"})
	if err != nil {
		t.Fatalf("GenerateWithTask: %v", err)
	}
	taskID, _ := DecodeHandle(handle)

	if err := o.HandleRequested(context.Background(), testRequestedEvent(taskID)); err != nil {
		t.Fatalf("HandleRequested: %v", err)
	}

	st, err := tasks.GetStatus(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != task.StateCompleted {
		t.Fatalf("expected Completed, got %s", st.State)
	}
	if st.ProgressPercent != 100 {
		t.Fatalf("expected progress 100, got %d", st.ProgressPercent)
	}
}

func TestHandleRequestedRetriesOnTransientFailure(t *testing.T) {
	cap := &fakeCapability{err: errors.New("upstream timeout")}
	o, tasks := newTestOrchestrator(t, cap, &fakeMediaStore{})

	handle, err := o.GenerateWithTask(context.Background(), GenerateRequest{Model: "veo-3", Prompt: "a fish", VirtualKeyID: "vk-1"})
	if err != nil {
		t.Fatalf("GenerateWithTask: %v", err)
	}
	taskID, _ := DecodeHandle(handle)

	if err := o.HandleRequested(context.Background(), testRequestedEvent(taskID)); err != nil {
		t.Fatalf("HandleRequested: %v", err)
	}

	st, err := tasks.GetStatus(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != task.StatePending {
		t.Fatalf("expected task back in Pending for retry, got %s", st.State)
	}
	if st.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", st.RetryCount)
	}
}

func TestClassifyRetryableHeuristics(t *testing.T) {
	if !ClassifyRetryable(errors.New("connection reset by peer")) {
		t.Fatalf("expected network error to classify retryable")
	}
	if ClassifyRetryable(errors.New("invalid api key")) {
		t.Fatalf("expected non-heuristic error to classify non-retryable")
	}
}
