package errtracker

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerFor returns the per-credential circuit breaker (spec §4.G/§8),
// lazily created on first use. A provider call should be wrapped with
// breaker.Execute so five consecutive failures open the circuit for the
// cooldown, with a single half-open probe before closing again — the same
// closed/open/half-open shape as the teacher's resilience.CircuitBreaker,
// reused here via sony/gobreaker instead of re-deriving a second bespoke
// state machine for a new subject.
func (t *Tracker) BreakerFor(credentialID string) *gobreaker.CircuitBreaker {
	t.breakerMu.Lock()
	defer t.breakerMu.Unlock()

	if b, ok := t.breakers[credentialID]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "credential:" + credentialID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	t.breakers[credentialID] = b
	return b
}
