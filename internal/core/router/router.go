// Package router implements the Router & Fallback Engine (spec §4.F): model
// aliasing over a set of provider deployments, strategy-based selection,
// consecutive-failure health tracking with cooldown re-admission, and a
// retry+fallback execution helper built on top of the teacher's
// internal/resilience backoff idiom.
package router

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"modelgate/internal/core/errkind"
	"modelgate/internal/routing/health"
)

// Strategy is a deployment-selection algorithm (spec §3 RouterConfig).
type Strategy string

const (
	StrategySimple       Strategy = "simple"
	StrategyRoundRobin   Strategy = "round-robin"
	StrategyLeastCost    Strategy = "least-cost"
	StrategyLeastLatency Strategy = "least-latency"
	StrategyRandom       Strategy = "random"
)

// Deployment is a ModelDeployment (spec §3). Identity is Name, compared
// case-insensitively.
type Deployment struct {
	Name            string
	ProviderID      string
	ProviderModelID string
	Priority        int
	Weight          int
	CostPerToken    float64
	Healthy         bool
	LastError       string

	insertionOrder int
	consecutive    int
	unhealthyUntil time.Time
}

// RouterConfig is the active routing configuration (spec §3).
type RouterConfig struct {
	DefaultStrategy  Strategy
	MaxRetries       int
	RetryBaseDelayMs int
	RetryMaxDelayMs  int
	Deployments      []Deployment
	Fallbacks        map[string][]string // modelName (lowercase) -> ordered fallback model names
}

func normalizeName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// validate checks the invariant from spec §3: every name referenced in
// Fallbacks must resolve to a deployment, and the fallback relation must be
// acyclic.
func (c RouterConfig) validate() error {
	known := make(map[string]bool, len(c.Deployments))
	for _, d := range c.Deployments {
		known[normalizeName(d.Name)] = true
	}
	for from, chain := range c.Fallbacks {
		if !known[normalizeName(from)] {
			return errkind.New(errkind.Validation, fmt.Sprintf("fallback source %q is not a known deployment", from))
		}
		for _, to := range chain {
			if !known[normalizeName(to)] {
				return errkind.New(errkind.Validation, fmt.Sprintf("fallback target %q is not a known deployment", to))
			}
		}
	}
	return detectCycle(c.Fallbacks)
}

// detectCycle runs a DFS with a recursion stack over the fallback graph.
func detectCycle(fallbacks map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(node string) error
	visit = func(node string) error {
		node = normalizeName(node)
		switch color[node] {
		case black:
			return nil
		case gray:
			return errkind.New(errkind.Validation, fmt.Sprintf("fallback cycle detected at %q", node))
		}
		color[node] = gray
		for _, next := range fallbacks[node] {
			if err := visit(next); err != nil {
				return err
			}
		}
		color[node] = black
		return nil
	}

	for node := range fallbacks {
		if err := visit(node); err != nil {
			return err
		}
	}
	return nil
}

// Engine owns the active RouterConfig and deployment health state (spec
// §4.F). One Engine per process, shared across requests.
type Engine struct {
	mu           sync.RWMutex
	cfg          RouterConfig
	deployByName map[string]*Deployment
	rrCounters   map[string]uint64

	failureThreshold int
	cooldown         time.Duration
	healthTracker    *health.Tracker // optional, used for least-latency scoring
	logger           Logger
}

// Logger is the minimal logging contract Engine needs, satisfied by
// *slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithHealthTracker attaches the teacher's Postgres-backed latency tracker
// for least-latency strategy scoring.
func WithHealthTracker(t *health.Tracker) Option { return func(e *Engine) { e.healthTracker = t } }

// WithFailureThreshold overrides the default of 3 consecutive failures
// before a deployment is marked unhealthy.
func WithFailureThreshold(n int) Option { return func(e *Engine) { e.failureThreshold = n } }

// WithCooldown overrides the default 60s health cooldown.
func WithCooldown(d time.Duration) Option { return func(e *Engine) { e.cooldown = d } }

func WithLogger(l Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine constructs an Engine with an empty configuration; call
// Initialize before routing any requests.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		deployByName:     make(map[string]*Deployment),
		rrCounters:       make(map[string]uint64),
		failureThreshold: 3,
		cooldown:         60 * time.Second,
		logger:           noopLogger{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Initialize installs cfg as the active configuration (spec §4.F:
// `initialize(config)`).
func (e *Engine) Initialize(cfg RouterConfig) error {
	return e.install(cfg)
}

// UpdateRouterConfig atomically replaces the active configuration,
// rejecting it if the fallback relation contains a cycle (spec §4.F).
func (e *Engine) UpdateRouterConfig(cfg RouterConfig) error {
	return e.install(cfg)
}

func (e *Engine) install(cfg RouterConfig) error {
	if cfg.Fallbacks == nil {
		cfg.Fallbacks = make(map[string][]string)
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	byName := make(map[string]*Deployment, len(cfg.Deployments))
	for i := range cfg.Deployments {
		d := cfg.Deployments[i]
		d.insertionOrder = i
		if !d.Healthy && d.unhealthyUntil.IsZero() {
			d.Healthy = true
		}
		byName[normalizeName(d.Name)] = &d
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Preserve live health state for deployments that still exist.
	for name, existing := range e.deployByName {
		if d, ok := byName[name]; ok {
			d.Healthy = existing.Healthy
			d.consecutive = existing.consecutive
			d.unhealthyUntil = existing.unhealthyUntil
			d.LastError = existing.LastError
		}
	}
	e.cfg = cfg
	e.deployByName = byName
	return nil
}

// AddFallbackModels appends chain to primary's fallback list, rejecting the
// update if it introduces a cycle (spec §4.F).
func (e *Engine) AddFallbackModels(primary string, chain []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := cloneFallbacks(e.cfg.Fallbacks)
	key := normalizeName(primary)
	next[key] = append(append([]string{}, next[key]...), chain...)

	if err := detectCycle(next); err != nil {
		return err
	}
	e.cfg.Fallbacks = next
	return nil
}

// RemoveFallbacks clears primary's fallback chain entirely.
func (e *Engine) RemoveFallbacks(primary string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cfg.Fallbacks, normalizeName(primary))
}

func cloneFallbacks(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string{}, v...)
	}
	return out
}

// reviveLocked re-admits deployments whose cooldown has elapsed. Caller
// must hold e.mu for writing.
func (e *Engine) reviveLocked(now time.Time) {
	for _, d := range e.deployByName {
		if !d.Healthy && !d.unhealthyUntil.IsZero() && !now.Before(d.unhealthyUntil) {
			d.Healthy = true
			d.consecutive = 0
			d.unhealthyUntil = time.Time{}
		}
	}
}

// candidatesForAlias returns every deployment whose Name matches modelName,
// case-insensitively. A deployment list may have more than one entry per
// alias in principle, but typically it's exactly one; spec treats Name as
// the alias match key directly.
func (e *Engine) candidatesForAlias(modelName string) []*Deployment {
	if d, ok := e.deployByName[normalizeName(modelName)]; ok {
		return []*Deployment{d}
	}
	return nil
}

// SelectDeployment chooses among the deployments matching modelName,
// filtered to Healthy=true, using strategy (or the config default) (spec
// §4.F).
func (e *Engine) SelectDeployment(ctx context.Context, modelName string, strategy *Strategy) (*Deployment, error) {
	e.mu.Lock()
	e.reviveLocked(time.Now())
	candidates := e.candidatesForAlias(modelName)
	strat := e.cfg.DefaultStrategy
	if strategy != nil {
		strat = *strategy
	}
	healthy := make([]*Deployment, 0, len(candidates))
	for _, d := range candidates {
		if d.Healthy {
			cp := *d
			healthy = append(healthy, &cp)
		}
	}
	e.mu.Unlock()

	if len(healthy) == 0 {
		return nil, errkind.New(errkind.Capability, fmt.Sprintf("no healthy deployment for model %q", modelName))
	}

	switch strat {
	case StrategyRoundRobin:
		return e.selectRoundRobin(modelName, healthy), nil
	case StrategyLeastCost:
		return selectLeastCost(healthy), nil
	case StrategyLeastLatency:
		return e.selectLeastLatency(ctx, healthy), nil
	case StrategyRandom:
		return selectRandom(healthy), nil
	default:
		return selectSimple(healthy), nil
	}
}

// selectSimple: first by priority (lower wins), then stable insertion order.
func selectSimple(candidates []*Deployment) *Deployment {
	sorted := sortedByPriority(candidates)
	return sorted[0]
}

func sortedByPriority(candidates []*Deployment) []*Deployment {
	out := append([]*Deployment{}, candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].insertionOrder < out[j].insertionOrder
	})
	return out
}

func (e *Engine) selectRoundRobin(modelName string, candidates []*Deployment) *Deployment {
	sorted := sortedByPriority(candidates)
	key := normalizeName(modelName)

	e.mu.Lock()
	idx := e.rrCounters[key]
	e.rrCounters[key] = idx + 1
	e.mu.Unlock()

	return sorted[int(idx)%len(sorted)]
}

func selectLeastCost(candidates []*Deployment) *Deployment {
	sorted := sortedByPriority(candidates)
	best := sorted[0]
	for _, d := range sorted[1:] {
		if d.CostPerToken < best.CostPerToken {
			best = d
		}
	}
	return best
}

func (e *Engine) selectLeastLatency(ctx context.Context, candidates []*Deployment) *Deployment {
	sorted := sortedByPriority(candidates)
	if e.healthTracker == nil {
		return sorted[0]
	}

	best := sorted[0]
	bestLatency := 999999.0
	for _, d := range sorted {
		h, err := e.healthTracker.GetHealth(ctx, "", d.ProviderID, d.ProviderModelID)
		if err != nil {
			continue
		}
		latency := h.AvgLatencyMs
		if latency == 0 && h.TotalRequests == 0 {
			latency = 500
		}
		if latency < bestLatency {
			best = d
			bestLatency = latency
		}
	}
	return best
}

// selectRandom picks weighted by Weight; a zero-weight deployment has a
// floor weight of 1 so it remains selectable.
func selectRandom(candidates []*Deployment) *Deployment {
	sorted := sortedByPriority(candidates)
	total := 0
	for _, d := range sorted {
		w := d.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	r := rand.Intn(total)
	cumulative := 0
	for _, d := range sorted {
		w := d.Weight
		if w <= 0 {
			w = 1
		}
		cumulative += w
		if r < cumulative {
			return d
		}
	}
	return sorted[len(sorted)-1]
}

// RecordSuccess clears consecutive-failure state for deployment (spec
// §4.F: "health re-admits after a cooldown").
func (e *Engine) RecordSuccess(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.deployByName[normalizeName(name)]; ok {
		d.consecutive = 0
		d.Healthy = true
		d.unhealthyUntil = time.Time{}
	}
}

// RecordFailure increments the consecutive-failure counter for deployment
// and marks it unhealthy once failureThreshold is reached (spec §4.F: "a
// deployment is marked unhealthy on consecutive failures of a specific
// error class").
func (e *Engine) RecordFailure(name, errClass string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deployByName[normalizeName(name)]
	if !ok {
		return
	}
	d.consecutive++
	d.LastError = errClass
	if d.consecutive >= e.failureThreshold {
		d.Healthy = false
		d.unhealthyUntil = time.Now().Add(e.cooldown)
	}
}

// Deployments returns a snapshot of every configured deployment.
func (e *Engine) Deployments() []Deployment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Deployment, 0, len(e.deployByName))
	for _, d := range e.deployByName {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].insertionOrder < out[j].insertionOrder })
	return out
}
