// Package core wires the gateway's distributed primitives (lock, cache,
// media, realtime, task, router, error tracking, video, monitoring,
// webhook delivery, tracing) into a single composition root, the way
// gateway.Service composes the provider/policy/routing packages.
package core

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/core/bus"
	"modelgate/internal/core/cache"
	"modelgate/internal/core/errtracker"
	"modelgate/internal/core/lock"
	"modelgate/internal/core/media"
	"modelgate/internal/core/monitor"
	"modelgate/internal/core/realtime"
	"modelgate/internal/core/router"
	"modelgate/internal/core/task"
	"modelgate/internal/core/tracing"
	"modelgate/internal/core/video"
	"modelgate/internal/core/webhook"
	"modelgate/internal/storage/postgres"
	"modelgate/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

var errNoMediaBackend = errors.New("core: no media backend configured (set [media] backend=\"s3\" and s3_bucket)")

// Services is the composition root for the core services layer. A nil
// field means that component was not configured/available; callers check
// before use exactly as gateway.Service does for its optional features.
type Services struct {
	Bus *bus.InProcessBus

	Lock          lock.Service
	Cache         *cache.Manager
	Media         media.Store
	Realtime      *realtime.Manager
	RealtimeRedis *realtime.RedisStore // nil unless [cache] redis_addr is set
	Tasks         *task.Engine
	Router        *router.Engine
	Errors        *errtracker.Tracker
	Video         *video.Orchestrator

	CacheMonitor   *monitor.CacheMonitor
	AudioAlerts    *monitor.Evaluator
	WebhookPublish *webhook.Publisher

	Tracing *tracing.Store

	redisClient *redis.Client
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// New wires every configured component against a shared Redis client,
// Prometheus registry, and logger. Components whose backing resource is
// unavailable (no Redis address, no S3 bucket) fall back to their
// in-memory implementation rather than failing construction, mirroring
// how cache.Manager's distributed tier and lock's PG/Redis stores are
// optional additions over an in-memory core. db is the gateway's
// already-open Postgres connection (nil in tests); when present it backs
// the Provider Error Tracker's credential rows, otherwise an in-memory
// stand-in seeded from cfg.Providers is used.
func New(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger, db *sql.DB) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	eventBus := bus.NewInProcessBus(logger)

	var redisClient *redis.Client
	if cfg.Cache.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	}

	s := &Services{Bus: eventBus, redisClient: redisClient, logger: logger, metrics: metrics}

	s.Lock = newLockManager(cfg, redisClient)
	s.Cache = newCacheManager(cfg, redisClient, logger)
	s.Realtime, s.RealtimeRedis = newRealtimeManager(cfg, redisClient, logger)
	s.Router = router.NewEngine(router.WithLogger(routerLoggerAdapter{logger}))

	credStore, providerStore, err := newCredentialStores(ctx, cfg, db)
	if err != nil {
		logger.Warn("falling back to in-memory credential store", "error", err)
		credStore, providerStore = newStaticCredentialStore(cfg), newStaticProviderStore(cfg)
	}
	s.Errors = errtracker.NewTracker(
		credStore,
		providerStore,
		errtracker.WithPublisher(eventBus),
	)

	taskRepo := task.NewMemRepository()
	s.Tasks = task.NewEngine(taskRepo, s.Cache, eventBus)

	if store, err := newMediaStore(ctx, cfg); err == nil {
		s.Media = store
	} else {
		logger.Warn("media store unavailable, video orchestrator will run without durable asset storage", "error", err)
	}

	videoRegistry := video.NewRegistry()
	if s.Media != nil {
		s.Video = video.NewOrchestrator(s.Router, videoRegistry, s.Media, s.Tasks, eventBus, flatRatePricing)
	}

	cacheThresholds := monitor.DefaultCacheThresholds()
	cacheThresholds.MinRequestsForHitRateAlert = int64(cfg.Monitoring.MinRequestsForHitRateAlert)
	s.CacheMonitor = monitor.NewCacheMonitor(
		s.Cache,
		[]cache.Region{cache.RegionModelMetadata, cache.RegionProviderResponses, cache.RegionEmbeddings},
		cacheThresholds,
		eventBus,
	)

	channels := map[monitor.ChannelType]monitor.NotificationChannel{
		monitor.ChannelSlack:   monitor.NewSlackChannel(cfg.Alerting.SlackBotToken),
		monitor.ChannelWebhook: monitor.NewHTTPChannel(monitor.ChannelWebhook),
		monitor.ChannelTeams:   monitor.NewHTTPChannel(monitor.ChannelTeams),
		monitor.ChannelEmail:   monitor.NewEmailChannel(logger),
	}
	s.AudioAlerts = monitor.NewEvaluator(nil, channels, eventBus, logger)

	webhookCfg := webhook.Config{
		MaxBatchSize:         cfg.Webhook.MaxBatchSize,
		MaxBatchDelay:        cfg.Webhook.MaxBatchDelay,
		ConcurrentPublishers: cfg.Webhook.ConcurrentPublishers,
		FailureThreshold:     cfg.Webhook.FailureThreshold,
		OpenDuration:         cfg.Webhook.OpenDuration,
		CounterResetDuration: cfg.Webhook.CounterResetDuration,
		DeliveredTTL:         cfg.Webhook.DeliveredTTL,
		StatsTTL:             cfg.Webhook.StatsTTL,
		RequestTimeout:       cfg.Webhook.RequestTimeout,
		RatePerSecond:        cfg.Webhook.RatePerSecond,
	}
	if webhookCfg.ConcurrentPublishers == 0 {
		webhookCfg = webhook.DefaultConfig()
	}
	deliverer := webhook.NewNotificationService(webhookCfg)
	var tracker webhook.DeliveryTracker
	if redisClient != nil {
		tracker = webhook.NewRedisTracker(redisClient, webhookCfg.DeliveredTTL, webhookCfg.StatsTTL)
	} else {
		tracker = webhook.NewMemTracker()
	}
	s.WebhookPublish = webhook.NewPublisher(webhookCfg, deliverer, tracker, logger)

	s.Tracing = tracing.NewStore(
		tracing.WithMaxCompletedHistory(cfg.Tracing.MaxCompletedHistory),
		tracing.WithMaxTraceAge(cfg.Tracing.MaxTraceAge),
		tracing.WithLogger(logger),
	)

	return s, nil
}

// Run starts every component with a background loop (webhook shard
// publishers, tracing cleanup sweep) and blocks until ctx is cancelled.
func (s *Services) Run(ctx context.Context) error {
	s.Realtime.Start(ctx)
	defer s.Realtime.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.WebhookPublish.Run(ctx)
	}()

	cleanupInterval := 5 * time.Minute
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			if n := s.Tracing.Cleanup(ctx); n > 0 {
				s.logger.Info("tracing: cleaned up abandoned traces", "count", n)
			}
			s.reportGauges()
		}
	}
}

// reportGauges pushes point-in-time queue/pending-work sizes into the
// shared telemetry registry, the same way the teacher's health tracker
// periodically refreshes gauge values rather than updating them inline on
// every mutation.
func (s *Services) reportGauges() {
	if s.metrics == nil {
		return
	}
	totalBatches, totalItems := s.WebhookPublish.Stats()
	s.logger.Debug("webhook publisher stats", "batches", totalBatches, "items", totalItems)
}

func newLockManager(cfg *config.Config, client *redis.Client) lock.Service {
	if client != nil {
		return lock.NewStore(client)
	}
	return lock.NewMemStore()
}

func newCacheManager(cfg *config.Config, client *redis.Client, logger *slog.Logger) *cache.Manager {
	opts := []cache.Option{cache.WithLogger(logger)}
	if client != nil {
		opts = append(opts, cache.WithDistributed(client))
	}
	return cache.NewManager(opts...)
}

func newRealtimeManager(cfg *config.Config, client *redis.Client, logger *slog.Logger) (*realtime.Manager, *realtime.RedisStore) {
	memStore := realtime.NewMemStore(nil)
	var redisStore *realtime.RedisStore
	if client != nil {
		redisStore = realtime.NewRedisStore(client, memStore, logger)
	}
	return realtime.NewManager(memStore, realtime.DefaultLifecycleConfig(), logger), redisStore
}

func newMediaStore(ctx context.Context, cfg *config.Config) (media.Store, error) {
	if cfg.Media.Backend != "s3" || cfg.Media.S3Bucket == "" {
		return nil, errNoMediaBackend
	}
	return media.NewS3Store(ctx, media.Config{
		BucketName:           cfg.Media.S3Bucket,
		Region:               cfg.Media.S3Region,
		DefaultURLExpiration: cfg.Media.PresignedTTL,
	})
}

// flatRatePricing is the default pricing lookup until a provider-specific
// price list is configured; returns zero cost for every model.
func flatRatePricing(providerModelID string) video.Pricing { return video.Pricing{} }

type routerLoggerAdapter struct{ l *slog.Logger }

func (a routerLoggerAdapter) Warn(msg string, args ...any) { a.l.Warn(msg, args...) }

// providerList is the fixed set of provider IDs the composition layer
// knows how to seed credential rows for, read off cfg.Providers.*.Enabled.
func providerList(cfg *config.Config) map[string]bool {
	return map[string]bool{
		"gemini":    cfg.Providers.Gemini.Enabled,
		"anthropic": cfg.Providers.Anthropic.Enabled,
		"openai":    cfg.Providers.OpenAI.Enabled,
		"bedrock":   cfg.Providers.Bedrock.Enabled,
		"ollama":    cfg.Providers.Ollama.Enabled,
	}
}

// newCredentialStores builds the Postgres-backed credential/provider
// stores when db is available, seeding one credential row per enabled
// provider. Returns an error (caller falls back to the in-memory stand-in)
// if db is nil or the backing table can't be created.
func newCredentialStores(ctx context.Context, cfg *config.Config, db *sql.DB) (errtracker.CredentialStore, errtracker.ProviderStore, error) {
	if db == nil {
		return nil, nil, errors.New("core: no database connection configured")
	}
	pgCreds, err := postgres.NewCredentialStore(db)
	if err != nil {
		return nil, nil, err
	}
	for providerID, enabled := range providerList(cfg) {
		if err := pgCreds.EnsureCredential(ctx, providerID, enabled); err != nil {
			return nil, nil, err
		}
	}
	return pgCredentialAdapter{pgCreds}, postgres.NewProviderStore(db), nil
}

// pgCredentialAdapter adapts postgres.CredentialStore's row type to
// errtracker.CredentialInfo, since internal/storage/postgres has no
// dependency on internal/core/errtracker's types.
type pgCredentialAdapter struct {
	store *postgres.CredentialStore
}

func (a pgCredentialAdapter) Get(ctx context.Context, credentialID string) (errtracker.CredentialInfo, error) {
	c, err := a.store.Get(ctx, credentialID)
	if err != nil {
		return errtracker.CredentialInfo{}, err
	}
	return errtracker.CredentialInfo{ID: c.ID, ProviderID: c.ProviderID, IsPrimary: c.IsPrimary, IsEnabled: c.IsEnabled}, nil
}

func (a pgCredentialAdapter) ListByProvider(ctx context.Context, providerID string) ([]errtracker.CredentialInfo, error) {
	rows, err := a.store.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := make([]errtracker.CredentialInfo, len(rows))
	for i, c := range rows {
		out[i] = errtracker.CredentialInfo{ID: c.ID, ProviderID: c.ProviderID, IsPrimary: c.IsPrimary, IsEnabled: c.IsEnabled}
	}
	return out, nil
}

func (a pgCredentialAdapter) SetEnabled(ctx context.Context, credentialID string, enabled bool) error {
	return a.store.SetEnabled(ctx, credentialID, enabled)
}

// staticCredentialStore treats each configured provider as a single
// primary credential, since no persistence-backed multi-key credential
// table has been wired into this composition layer yet (see DESIGN.md);
// SetEnabled flips an in-memory flag the error tracker consults on its
// next Get/ListByProvider rather than persisting the disable decision.
type staticCredentialStore struct {
	mu    sync.Mutex
	creds map[string]errtracker.CredentialInfo // credentialID == providerID for a single static key
}

func newStaticCredentialStore(cfg *config.Config) *staticCredentialStore {
	s := &staticCredentialStore{creds: make(map[string]errtracker.CredentialInfo)}
	add := func(providerID string, enabled bool) {
		if !enabled {
			return
		}
		s.creds[providerID] = errtracker.CredentialInfo{ID: providerID, ProviderID: providerID, IsPrimary: true, IsEnabled: true}
	}
	add("gemini", cfg.Providers.Gemini.Enabled)
	add("anthropic", cfg.Providers.Anthropic.Enabled)
	add("openai", cfg.Providers.OpenAI.Enabled)
	add("bedrock", cfg.Providers.Bedrock.Enabled)
	add("ollama", cfg.Providers.Ollama.Enabled)
	return s
}

func (s *staticCredentialStore) Get(_ context.Context, credentialID string) (errtracker.CredentialInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credentialID]
	if !ok {
		return errtracker.CredentialInfo{}, errors.New("core: unknown credential " + credentialID)
	}
	return c, nil
}

func (s *staticCredentialStore) ListByProvider(_ context.Context, providerID string) ([]errtracker.CredentialInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []errtracker.CredentialInfo
	for _, c := range s.creds {
		if c.ProviderID == providerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *staticCredentialStore) SetEnabled(_ context.Context, credentialID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credentialID]
	if !ok {
		return errors.New("core: unknown credential " + credentialID)
	}
	c.IsEnabled = enabled
	s.creds[credentialID] = c
	return nil
}

// staticProviderStore mirrors staticCredentialStore's in-memory enable
// flag for the provider level (spec §4.G "disabling the provider itself").
type staticProviderStore struct {
	mu      sync.Mutex
	enabled map[string]bool
}

func newStaticProviderStore(cfg *config.Config) *staticProviderStore {
	return &staticProviderStore{enabled: map[string]bool{
		"gemini":    cfg.Providers.Gemini.Enabled,
		"anthropic": cfg.Providers.Anthropic.Enabled,
		"openai":    cfg.Providers.OpenAI.Enabled,
		"bedrock":   cfg.Providers.Bedrock.Enabled,
		"ollama":    cfg.Providers.Ollama.Enabled,
	}}
}

func (s *staticProviderStore) SetEnabled(_ context.Context, providerID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[providerID] = enabled
	return nil
}
