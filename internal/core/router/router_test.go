package router

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() RouterConfig {
	return RouterConfig{
		DefaultStrategy:  StrategySimple,
		MaxRetries:       2,
		RetryBaseDelayMs: 1,
		RetryMaxDelayMs:  4,
		Deployments: []Deployment{
			{Name: "gpt-4o", ProviderID: "openai", ProviderModelID: "gpt-4o", Priority: 10, Weight: 50, Healthy: true},
			{Name: "claude-sonnet", ProviderID: "anthropic", ProviderModelID: "claude-sonnet-4", Priority: 20, Weight: 50, Healthy: true},
		},
		Fallbacks: map[string][]string{
			"gpt-4o": {"claude-sonnet"},
		},
	}
}

func TestInitializeRejectsCycle(t *testing.T) {
	e := NewEngine()
	cfg := testConfig()
	cfg.Fallbacks["claude-sonnet"] = []string{"gpt-4o"}

	if err := e.Initialize(cfg); err == nil {
		t.Fatalf("expected cycle rejection")
	}
}

func TestSelectDeploymentSimplePicksLowestPriority(t *testing.T) {
	e := NewEngine()
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	d, err := e.SelectDeployment(context.Background(), "gpt-4o", nil)
	if err != nil {
		t.Fatalf("SelectDeployment: %v", err)
	}
	if d.Name != "gpt-4o" {
		t.Fatalf("expected gpt-4o, got %s", d.Name)
	}
}

func TestRecordFailureMarksUnhealthyAfterThreshold(t *testing.T) {
	e := NewEngine(WithFailureThreshold(2), WithCooldown(50*time.Millisecond))
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.RecordFailure("gpt-4o", "timeout")
	e.RecordFailure("gpt-4o", "timeout")

	if _, err := e.SelectDeployment(context.Background(), "gpt-4o", nil); err == nil {
		t.Fatalf("expected no healthy deployment for gpt-4o after threshold failures")
	}

	time.Sleep(60 * time.Millisecond)
	d, err := e.SelectDeployment(context.Background(), "gpt-4o", nil)
	if err != nil {
		t.Fatalf("expected re-admission after cooldown: %v", err)
	}
	if d.Name != "gpt-4o" {
		t.Fatalf("expected gpt-4o restored, got %s", d.Name)
	}
}

func TestExecuteFallsBackOnFailure(t *testing.T) {
	e := NewEngine(WithFailureThreshold(1))
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	calls := map[string]int{}
	result, d, err := Execute(context.Background(), e, "gpt-4o", nil, func(ctx context.Context, dep *Deployment) (string, string, error) {
		calls[dep.Name]++
		if dep.Name == "gpt-4o" {
			return "", "provider_transient", errors.New("rate limited")
		}
		return "ok from " + dep.Name, "", nil
	})

	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if d.Name != "claude-sonnet" {
		t.Fatalf("expected fallback to claude-sonnet, got %s", d.Name)
	}
	if result != "ok from claude-sonnet" {
		t.Fatalf("unexpected result %q", result)
	}
	if calls["gpt-4o"] != 1 {
		t.Fatalf("expected exactly 1 attempt against gpt-4o before marked unhealthy, got %d", calls["gpt-4o"])
	}
}

func TestExecuteExhaustsChainReturnsError(t *testing.T) {
	e := NewEngine()
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, _, err := Execute(context.Background(), e, "gpt-4o", nil, func(ctx context.Context, dep *Deployment) (string, string, error) {
		return "", "provider_transient", errors.New("down")
	})
	if err == nil {
		t.Fatalf("expected error once every deployment in the chain fails")
	}
}

func TestAddFallbackModelsRejectsCycle(t *testing.T) {
	e := NewEngine()
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := e.AddFallbackModels("claude-sonnet", []string{"gpt-4o"}); err == nil {
		t.Fatalf("expected cycle rejection")
	}
}

func TestRemoveFallbacksClearsChain(t *testing.T) {
	e := NewEngine()
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.RemoveFallbacks("gpt-4o")
	chain := e.fallbackChainFor("gpt-4o")
	if len(chain) != 1 || chain[0] != "gpt-4o" {
		t.Fatalf("expected fallback chain to contain only the primary, got %v", chain)
	}
}
