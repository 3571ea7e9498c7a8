package webhook

import (
	"sync"

	"github.com/sony/gobreaker"
)

// breakerRegistry lazily creates and caches one gobreaker.CircuitBreaker per
// target URL (spec §4.J "Circuit Breaker per target URL"), the same
// per-subject registry shape as errtracker.Tracker.BreakerFor (Component G)
// applied to URLs instead of credential ids.
type breakerRegistry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(cfg Config) *breakerRegistry {
	return &breakerRegistry{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *breakerRegistry) breakerFor(url string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[url]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + url,
		MaxRequests: 1,
		Interval:    r.cfg.CounterResetDuration,
		Timeout:     r.cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
	})
	r.breakers[url] = b
	return b
}
