package errtracker

import (
	"context"
	"testing"
	"time"
)

type fakeCreds struct {
	creds map[string]CredentialInfo
}

func (f *fakeCreds) Get(_ context.Context, id string) (CredentialInfo, error) {
	return f.creds[id], nil
}

func (f *fakeCreds) ListByProvider(_ context.Context, providerID string) ([]CredentialInfo, error) {
	var out []CredentialInfo
	for _, c := range f.creds {
		if c.ProviderID == providerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCreds) SetEnabled(_ context.Context, id string, enabled bool) error {
	c := f.creds[id]
	c.IsEnabled = enabled
	f.creds[id] = c
	return nil
}

type fakeProviders struct {
	enabled map[string]bool
}

func (f *fakeProviders) SetEnabled(_ context.Context, providerID string, enabled bool) error {
	f.enabled[providerID] = enabled
	return nil
}

func newFixture() (*Tracker, *fakeCreds, *fakeProviders) {
	creds := &fakeCreds{creds: map[string]CredentialInfo{
		"cred-primary":   {ID: "cred-primary", ProviderID: "openai", IsPrimary: true, IsEnabled: true},
		"cred-secondary": {ID: "cred-secondary", ProviderID: "openai", IsPrimary: false, IsEnabled: true},
	}}
	providers := &fakeProviders{enabled: map[string]bool{"openai": true}}
	return NewTracker(creds, providers), creds, providers
}

func TestShouldDisableImmediateForFatalPolicies(t *testing.T) {
	tr, _, _ := newFixture()
	tr.TrackError(context.Background(), Record{CredentialID: "cred-primary", ProviderID: "openai", ErrorType: ErrorInvalidAPIKey, IsFatal: true})
	if !tr.ShouldDisable("cred-primary", ErrorInvalidAPIKey) {
		t.Fatalf("expected immediate disable for InvalidApiKey")
	}
}

func TestShouldDisableRequiresOccurrenceThreshold(t *testing.T) {
	tr, _, _ := newFixture()
	for i := 0; i < 2; i++ {
		tr.TrackError(context.Background(), Record{CredentialID: "cred-primary", ProviderID: "openai", ErrorType: ErrorModelNotFound, IsFatal: true})
	}
	if tr.ShouldDisable("cred-primary", ErrorModelNotFound) {
		t.Fatalf("expected no disable before reaching required occurrences")
	}

	for i := 0; i < 8; i++ {
		tr.TrackError(context.Background(), Record{CredentialID: "cred-primary", ProviderID: "openai", ErrorType: ErrorModelNotFound, IsFatal: true})
	}
	if !tr.ShouldDisable("cred-primary", ErrorModelNotFound) {
		t.Fatalf("expected disable once required occurrences reached")
	}
}

func TestDisablePrimaryDisablesProvider(t *testing.T) {
	tr, _, providers := newFixture()
	if err := tr.Disable(context.Background(), "cred-primary", "invalid key"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if providers.enabled["openai"] {
		t.Fatalf("expected provider disabled when primary credential disabled")
	}
}

func TestDisableSecondaryDisablesProviderOnlyWhenAllDisabled(t *testing.T) {
	tr, creds, providers := newFixture()
	if err := tr.Disable(context.Background(), "cred-secondary", "quota"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if providers.enabled["openai"] != true {
		t.Fatalf("expected provider still enabled while primary credential remains enabled")
	}
	if creds.creds["cred-secondary"].IsEnabled {
		t.Fatalf("expected secondary credential disabled")
	}

	creds.creds["cred-primary"] = CredentialInfo{ID: "cred-primary", ProviderID: "openai", IsPrimary: true, IsEnabled: false}
	if err := tr.Disable(context.Background(), "cred-primary", "invalid key"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if providers.enabled["openai"] {
		t.Fatalf("expected provider disabled once primary is also disabled")
	}
}

func TestRecentErrorsFiltersByCredential(t *testing.T) {
	tr, _, _ := newFixture()
	tr.TrackError(context.Background(), Record{CredentialID: "cred-primary", ProviderID: "openai", ErrorType: ErrorTimeout, OccurredAt: time.Now()})
	tr.TrackError(context.Background(), Record{CredentialID: "cred-secondary", ProviderID: "openai", ErrorType: ErrorTimeout, OccurredAt: time.Now()})

	errs := tr.RecentErrors(RecentErrorsFilter{CredentialID: "cred-primary"})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error for cred-primary, got %d", len(errs))
	}
}

func TestProviderSummaryCountsFatalAndWarnings(t *testing.T) {
	tr, _, _ := newFixture()
	tr.TrackError(context.Background(), Record{CredentialID: "cred-primary", ProviderID: "openai", ErrorType: ErrorInvalidAPIKey, IsFatal: true})
	tr.TrackError(context.Background(), Record{CredentialID: "cred-primary", ProviderID: "openai", ErrorType: ErrorRateLimit, IsFatal: false})

	summary := tr.ProviderSummary("openai")
	if summary.TotalErrors != 2 || summary.FatalErrors != 1 || summary.Warnings != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestBreakerForReturnsSameInstance(t *testing.T) {
	tr, _, _ := newFixture()
	b1 := tr.BreakerFor("cred-primary")
	b2 := tr.BreakerFor("cred-primary")
	if b1 != b2 {
		t.Fatalf("expected the same breaker instance for repeated calls")
	}
}
