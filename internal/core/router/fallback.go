package router

import (
	"context"
	"fmt"
	"time"

	"modelgate/internal/core/errkind"
)

// fallbackChainFor returns the ordered list of model names to try for
// modelName: the primary itself, then its configured fallback chain, with
// duplicates removed (spec §4.F: "iterates the fallback chain for the
// alias, then the configured defaults").
func (e *Engine) fallbackChainFor(modelName string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]bool)
	var chain []string
	add := func(name string) {
		key := normalizeName(name)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		chain = append(chain, name)
	}

	add(modelName)
	for _, next := range e.cfg.Fallbacks[normalizeName(modelName)] {
		add(next)
	}
	return chain
}

func (e *Engine) backoffDelay(attempt int) time.Duration {
	e.mu.RLock()
	base := e.cfg.RetryBaseDelayMs
	max := e.cfg.RetryMaxDelayMs
	e.mu.RUnlock()
	if base <= 0 {
		base = 200
	}
	if max <= 0 {
		max = 10_000
	}

	delayMs := base
	for i := 0; i < attempt; i++ {
		delayMs *= 2
		if delayMs >= max {
			delayMs = max
			break
		}
	}
	return time.Duration(delayMs) * time.Millisecond
}

func (e *Engine) maxRetries() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cfg.MaxRetries <= 0 {
		return 1
	}
	return e.cfg.MaxRetries
}

// Call is invoked once per attempt against a selected Deployment.
// Implementations classify their own failures via errClass so Engine can
// apply consecutive-failure health tracking generically across providers.
type Call[T any] func(ctx context.Context, d *Deployment) (T, string, error)

// Execute runs the Router & Fallback Engine's retry+fallback contract (spec
// §4.F `chatCompletion`, generalized over the response type T so it is
// reusable for chat, embeddings, and video generation alike): select a
// deployment for modelName, retry with exponential backoff up to
// maxRetries, and on exhaustion move to the next model in the fallback
// chain. Returns the first success and the deployment that produced it.
func Execute[T any](ctx context.Context, e *Engine, modelName string, strategy *Strategy, call Call[T]) (T, *Deployment, error) {
	var zero T
	chain := e.fallbackChainFor(modelName)
	if len(chain) == 0 {
		return zero, nil, errkind.New(errkind.Validation, fmt.Sprintf("no deployment or fallback configured for model %q", modelName))
	}

	var lastErr error
	maxAttempts := e.maxRetries()

	for _, alias := range chain {
		d, err := e.SelectDeployment(ctx, alias, strategy)
		if err != nil {
			lastErr = err
			continue
		}

		for attempt := 0; attempt < maxAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(e.backoffDelay(attempt)):
				case <-ctx.Done():
					return zero, nil, errkind.Wrap(errkind.Cancellation, "router execute cancelled", ctx.Err())
				}
			}

			result, errClass, callErr := call(ctx, d)
			if callErr == nil {
				e.RecordSuccess(d.Name)
				return result, d, nil
			}

			lastErr = callErr
			e.RecordFailure(d.Name, errClass)
		}
	}

	return zero, nil, errkind.Wrap(errkind.ProviderTransient, fmt.Sprintf("router: exhausted fallback chain for %q", modelName), lastErr)
}
