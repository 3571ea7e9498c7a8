package video

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"modelgate/internal/core/bus"
	"modelgate/internal/core/errkind"
	"modelgate/internal/core/media"
	"modelgate/internal/core/router"
	"modelgate/internal/core/task"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

const taskTypeVideoGeneration = "video_generation"

// Orchestrator is the Video Generation Orchestrator (spec §4.H): it wires
// the Router & Fallback Engine (model selection/retry), a capability
// registry (provider dispatch), the Media Store (result persistence), the
// Async Task Engine (durable progress/state for the asynchronous path),
// and the event bus (progress/completion/failure fan-out) together.
type Orchestrator struct {
	router   *router.Engine
	registry *Registry
	store    media.Store
	tasks    *task.Engine
	pub      bus.Publisher
	pricing  PricingLookup
	spend    SpendRecorder
	logger   *slog.Logger

	progressInterval time.Duration
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithSpendRecorder(s SpendRecorder) Option    { return func(o *Orchestrator) { o.spend = s } }
func WithLogger(l *slog.Logger) Option            { return func(o *Orchestrator) { o.logger = l } }
func WithProgressInterval(d time.Duration) Option { return func(o *Orchestrator) { o.progressInterval = d } }

// NewOrchestrator wires the components the pipeline depends on. pricing may
// be nil, in which case generated videos accrue zero cost.
func NewOrchestrator(r *router.Engine, registry *Registry, store media.Store, tasks *task.Engine, pub bus.Publisher, pricing PricingLookup, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router: r, registry: registry, store: store, tasks: tasks, pub: pub, pricing: pricing,
		logger:           slog.Default(),
		progressInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generate runs the synchronous path (spec §4.H): validate, select a
// deployment, invoke the provider, persist the result, accrue cost, and
// publish completion/failure.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	res, dep, err := router.Execute(ctx, o.router, req.Model, nil, func(ctx context.Context, d *router.Deployment) (CreateVideoResult, string, error) {
		cap, ok := o.registry.Lookup(d.ProviderID)
		if !ok {
			return CreateVideoResult{}, "", errkind.New(errkind.Capability, "no video capability registered for provider "+d.ProviderID)
		}
		out, callErr := cap.CreateVideo(ctx, CreateVideoRequest{Prompt: req.Prompt, APIKey: req.APIKey, Parameters: req.Parameters}, nil)
		if callErr != nil {
			return CreateVideoResult{}, classifyErrClass(callErr), callErr
		}
		return out, "", nil
	})

	if err != nil {
		bus.PublishBestEffort(ctx, o.pub, o.logger, bus.TopicVideoGenerationFailed, req.RequestID, bus.VideoGenerationFailed{
			RequestID: req.RequestID, Error: err.Error(), FailedAt: time.Now(), CorrelationID: req.CorrelationID,
		})
		return nil, err
	}

	result, storeErr := o.persistAndPublish(ctx, req, dep, res)
	if storeErr != nil {
		bus.PublishBestEffort(ctx, o.pub, o.logger, bus.TopicVideoGenerationFailed, req.RequestID, bus.VideoGenerationFailed{
			RequestID: req.RequestID, Error: storeErr.Error(), FailedAt: time.Now(), CorrelationID: req.CorrelationID,
		})
		return nil, storeErr
	}
	return result, nil
}

// GenerateWithTask runs the asynchronous path (spec §4.H): create an Async
// Task, publish VideoGenerationRequested, and return an opaque handle
// encoding the task id. The task id IS the request id used by the
// orchestrator consumer to correlate the eventual VideoGenerationRequested
// delivery back to durable task state.
func (o *Orchestrator) GenerateWithTask(ctx context.Context, req GenerateRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	taskID, err := o.tasks.Create(ctx, taskTypeVideoGeneration, req.VirtualKeyID, req, maxRetries)
	if err != nil {
		return "", err
	}
	req.RequestID = taskID

	bus.PublishBestEffort(ctx, o.pub, o.logger, bus.TopicVideoGenerationRequested, taskID, bus.VideoGenerationRequested{
		RequestID: taskID, Model: req.Model, Prompt: req.Prompt, VirtualKeyID: req.VirtualKeyID,
		IsAsync: true, WebhookURL: req.WebhookURL, WebhookHeaders: req.WebhookHeaders,
		Parameters: bus.VideoGenerationParameters{
			Size: req.Parameters.Size, Duration: req.Parameters.DurationSec,
			FPS: req.Parameters.FPS, Style: req.Parameters.Style, ResponseFormat: req.Parameters.ResponseFormat,
		},
		CorrelationID: req.CorrelationID,
	})
	return EncodeHandle(taskID), nil
}

// HandleRequested is the orchestrator consumer: invoked (typically by a bus
// subscriber) for each VideoGenerationRequested event. It resolves the
// provider, registers a cancellation source tied to the task, invokes the
// provider with progress plumbing, and drives the task to its terminal
// state (spec §4.H).
func (o *Orchestrator) HandleRequested(ctx context.Context, ev bus.VideoGenerationRequested) error {
	runCtx := o.tasks.RegisterCancellation(ctx, ev.RequestID)

	processing := task.StateProcessing
	if _, err := o.tasks.Update(runCtx, ev.RequestID, task.UpdateInput{State: &processing}); err != nil {
		return err
	}

	req := GenerateRequest{
		RequestID: ev.RequestID, Model: ev.Model, Prompt: ev.Prompt, VirtualKeyID: ev.VirtualKeyID,
		CorrelationID: ev.CorrelationID, WebhookURL: ev.WebhookURL, WebhookHeaders: ev.WebhookHeaders,
		Parameters: Parameters{
			Size: ev.Parameters.Size, DurationSec: ev.Parameters.Duration,
			FPS: ev.Parameters.FPS, Style: ev.Parameters.Style, ResponseFormat: ev.Parameters.ResponseFormat,
		},
	}

	progressFn := func(pct int, status, message string) {
		progress := pct
		_, _ = o.tasks.Update(runCtx, ev.RequestID, task.UpdateInput{Progress: &progress, ProgressMessage: &message})
		bus.PublishBestEffort(runCtx, o.pub, o.logger, bus.TopicVideoGenerationProgress, ev.RequestID, bus.VideoGenerationProgress{
			RequestID: ev.RequestID, ProgressPercentage: pct, Status: status, Message: message, CorrelationID: ev.CorrelationID,
		})
	}

	res, dep, err := router.Execute(runCtx, o.router, req.Model, nil, func(callCtx context.Context, d *router.Deployment) (CreateVideoResult, string, error) {
		cap, ok := o.registry.Lookup(d.ProviderID)
		if !ok {
			return CreateVideoResult{}, "", errkind.New(errkind.Capability, "no video capability registered for provider "+d.ProviderID)
		}

		var stop func()
		if supportsProgress(cap) {
			stop = func() {}
		} else {
			stop = o.pseudoProgressScheduler(callCtx, ev.RequestID, o.progressInterval, progressFn)
		}
		defer stop()

		out, callErr := cap.CreateVideo(callCtx, CreateVideoRequest{Prompt: req.Prompt, APIKey: req.APIKey, Parameters: req.Parameters}, progressFn)
		if callErr != nil {
			return CreateVideoResult{}, classifyErrClass(callErr), callErr
		}
		return out, "", nil
	})

	if err != nil {
		return o.failTask(runCtx, ev, err)
	}

	result, storeErr := o.persistAndPublish(runCtx, req, dep, res)
	if storeErr != nil {
		return o.failTask(runCtx, ev, storeErr)
	}

	completed := task.StateCompleted
	full := 100
	_, err = o.tasks.Update(runCtx, ev.RequestID, task.UpdateInput{State: &completed, Progress: &full, Result: result})
	return err
}

// failTask classifies err: retryable failures move the task back to
// Pending so the Async Task Engine's backoff policy takes over; terminal
// failures move it to Failed and publish VideoGenerationFailed (spec §4.H).
func (o *Orchestrator) failTask(ctx context.Context, ev bus.VideoGenerationRequested, err error) error {
	if ClassifyRetryable(err) {
		pending := task.StatePending
		_, uerr := o.tasks.Update(ctx, ev.RequestID, task.UpdateInput{State: &pending, Err: err})
		return uerr
	}

	failed := task.StateFailed
	if _, uerr := o.tasks.Update(ctx, ev.RequestID, task.UpdateInput{State: &failed, Err: err}); uerr != nil {
		return uerr
	}
	bus.PublishBestEffort(ctx, o.pub, o.logger, bus.TopicVideoGenerationFailed, ev.RequestID, bus.VideoGenerationFailed{
		RequestID: ev.RequestID, Error: err.Error(), FailedAt: time.Now(), CorrelationID: ev.CorrelationID,
	})
	return nil
}

// persistAndPublish stores the provider's result bytes (when returned
// inline rather than as a hosted URL), accrues cost, and publishes
// MediaGenerationCompleted + VideoGenerationCompleted.
func (o *Orchestrator) persistAndPublish(ctx context.Context, req GenerateRequest, dep *router.Deployment, out CreateVideoResult) (*GenerateResult, error) {
	result := &GenerateResult{
		ContentType: out.ContentType,
		DurationSec: out.DurationSec,
	}
	if dep != nil {
		result.Deployment = dep.Name
		result.ProviderID = dep.ProviderID
	}

	if out.URL != "" {
		result.VideoURL = out.URL
	} else {
		meta := media.Metadata{ContentType: out.ContentType, Extension: ".mp4", SizeHint: int64(len(out.Bytes))}
		stored, err := o.store.StoreVideo(ctx, bytesReader(out.Bytes), meta, nil)
		if err != nil {
			return nil, err
		}
		result.StorageKey = stored.StorageKey
		result.SizeBytes = stored.SizeBytes
		if result.ContentType == "" {
			result.ContentType = stored.ContentType
		}

		url, err := o.store.GenerateURL(ctx, stored.StorageKey, 24*time.Hour)
		if err == nil {
			result.VideoURL = url
		}
	}

	if o.pricing != nil && dep != nil {
		price := o.pricing(dep.ProviderModelID)
		result.SpentAmount = price.Cost(out.DurationSec)
		if o.spend != nil {
			_ = o.spend.RecordSpend(ctx, req.VirtualKeyID, dep.Name, result.SpentAmount)
		}
	}

	bus.PublishBestEffort(ctx, o.pub, o.logger, bus.TopicMediaGenerationCompleted, req.RequestID, bus.MediaGenerationCompleted{
		MediaType: "Video", VirtualKeyID: req.VirtualKeyID, MediaURL: result.VideoURL, StorageKey: result.StorageKey,
		FileSizeBytes: result.SizeBytes, ContentType: result.ContentType, GeneratedByModel: req.Model,
		GenerationPrompt: req.Prompt, GeneratedAt: time.Now(),
	})
	bus.PublishBestEffort(ctx, o.pub, o.logger, bus.TopicVideoGenerationCompleted, req.RequestID, bus.VideoGenerationCompleted{
		RequestID: req.RequestID, VideoURL: result.VideoURL, CompletedAt: time.Now(), CorrelationID: req.CorrelationID,
	})

	return result, nil
}

func classifyErrClass(err error) string {
	if k, ok := errkind.KindOf(err); ok {
		return string(k)
	}
	if ClassifyRetryable(err) {
		return string(errkind.ProviderTransient)
	}
	return string(errkind.ProviderFatal)
}
