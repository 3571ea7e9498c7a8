package webhook

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerRegistryOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{FailureThreshold: 3, OpenDuration: time.Hour, CounterResetDuration: time.Hour}
	reg := newBreakerRegistry(cfg)
	b := reg.breakerFor("https://hooks.example.test/a")

	fail := func() {
		b.Execute(func() (any, error) { return nil, errors.New("boom") })
	}
	for i := 0; i < 3; i++ {
		fail()
	}

	_, err := b.Execute(func() (any, error) { return nil, nil })
	if err == nil {
		t.Fatalf("expected circuit open after %d consecutive failures", cfg.FailureThreshold)
	}
}

func TestBreakerRegistryReturnsSameInstancePerURL(t *testing.T) {
	reg := newBreakerRegistry(DefaultConfig())
	a := reg.breakerFor("https://hooks.example.test/a")
	b := reg.breakerFor("https://hooks.example.test/a")
	if a != b {
		t.Fatalf("expected same breaker instance for repeated URL lookups")
	}
}
