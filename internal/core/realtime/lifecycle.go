package realtime

import (
	"context"
	"log/slog"
	"time"
)

// LifecycleConfig configures the background manager (spec §6 realtime
// config surface).
type LifecycleConfig struct {
	CleanupInterval          time.Duration
	MetricsInterval          time.Duration
	MaxSessionAge            time.Duration
	ZombieSessionThreshold   time.Duration
	AutoTerminateZombies     bool
	MaxSessionsPerVirtualKey int
	EnablePersistence        bool
}

// DefaultLifecycleConfig matches spec §4.D's stated defaults: cleanup
// every 5 minutes, zombie threshold 15 minutes.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		CleanupInterval:        5 * time.Minute,
		MetricsInterval:        time.Minute,
		MaxSessionAge:          2 * time.Hour,
		ZombieSessionThreshold: 15 * time.Minute,
		AutoTerminateZombies:   true,
	}
}

// Manager runs the two periodic background tasks spec §4.D calls for,
// grounded on BaSui01-agentflow's healthCheckLoop ticker idiom.
type Manager struct {
	store  *MemStore
	cfg    LifecycleConfig
	logger *slog.Logger
	stopCh chan struct{}
}

func NewManager(store *MemStore, cfg LifecycleConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, cfg: cfg, logger: logger, stopCh: make(chan struct{})}
}

// Start launches the cleanup and zombieSweep loops. Call Stop to end them.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx, m.cfg.CleanupInterval, m.runCleanup)
	go m.loop(ctx, m.zombieInterval(), m.runZombieSweep)
}

func (m *Manager) Stop() { close(m.stopCh) }

func (m *Manager) zombieInterval() time.Duration {
	// Sweep at a cadence proportional to the threshold so zombies are
	// caught well before their metric would read stale, without sweeping
	// needlessly often on a long threshold.
	iv := m.cfg.ZombieSessionThreshold / 3
	if iv < time.Minute {
		iv = time.Minute
	}
	return iv
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Manager) runCleanup(ctx context.Context) {
	n, err := m.store.CleanupExpired(ctx, m.cfg.MaxSessionAge)
	if err != nil {
		m.logger.Warn("realtime: cleanup failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("realtime: cleanup removed sessions", "count", n)
	}
}

func (m *Manager) runZombieSweep(ctx context.Context) {
	active, err := m.store.GetActive(ctx)
	if err != nil {
		m.logger.Warn("realtime: zombie sweep failed to list active sessions", "error", err)
		return
	}

	now := time.Now()
	for _, s := range active {
		if s.State != StateActive {
			continue
		}
		if now.Sub(s.LastActivity) < m.cfg.ZombieSessionThreshold {
			continue
		}
		final, ok := m.store.markZombie(s.ID, m.cfg.AutoTerminateZombies)
		if !ok {
			continue
		}
		m.store.emitMetric(final, "zombie")
		m.logger.Warn("realtime: zombie session detected", "sessionId", s.ID, "lastActivity", s.LastActivity)
	}
}
