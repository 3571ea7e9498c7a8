// Package errtracker implements the Provider Error Tracker & Credential
// Circuit Breaker (spec §4.G): per-credential fatal/warning error
// aggregation, a disable policy table, and a sony/gobreaker-backed circuit
// breaker guarding calls against a credential that is currently failing,
// generalizing the health-penalty model in
// internal/provider/key_selector.go to a first-class, provider-agnostic
// component.
package errtracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"modelgate/internal/core/bus"
	"modelgate/internal/core/errkind"
)

// ErrorType classifies a ProviderErrorRecord (spec §3).
type ErrorType string

const (
	ErrorInvalidAPIKey     ErrorType = "InvalidApiKey"
	ErrorInsufficientQuota ErrorType = "InsufficientQuota"
	ErrorModelNotFound     ErrorType = "ModelNotFound"
	ErrorPermissionDenied  ErrorType = "PermissionDenied"
	ErrorAccountSuspended  ErrorType = "AccountSuspended"
	ErrorPaymentRequired   ErrorType = "PaymentRequired"
	ErrorNetworkError      ErrorType = "NetworkError"
	ErrorTimeout           ErrorType = "Timeout"
	ErrorRateLimit         ErrorType = "RateLimit"
	ErrorInternalError     ErrorType = "InternalError"
)

// Record is a ProviderErrorRecord (spec §3).
type Record struct {
	CredentialID   string
	ProviderID     string
	ErrorType      ErrorType
	IsFatal        bool
	HTTPStatusCode int
	Message        string
	OccurredAt     time.Time
}

// Aggregate is the per-credential, per-error-type fatal aggregate (spec §3).
type Aggregate struct {
	ErrorType      ErrorType
	Count          int
	FirstSeen      time.Time
	LastSeen       time.Time
	LastMessage    string
	LastStatusCode int
	DisabledAt     *time.Time
}

// DisablePolicy is one row of the policy table consulted by ShouldDisable
// (spec §4.G).
type DisablePolicy struct {
	DisableImmediately  bool
	RequiredOccurrences int
	TimeWindow          time.Duration
}

// DefaultPolicyTable mirrors internal/provider/key_selector.go's error-class
// severity split (auth errors costly, rate limits cheap), generalized into
// the tracker's disable-decision table.
func DefaultPolicyTable() map[ErrorType]DisablePolicy {
	return map[ErrorType]DisablePolicy{
		ErrorInvalidAPIKey:    {DisableImmediately: true},
		ErrorAccountSuspended: {DisableImmediately: true},
		ErrorPaymentRequired:  {DisableImmediately: true},
		ErrorPermissionDenied:  {RequiredOccurrences: 3, TimeWindow: 24 * time.Hour},
		ErrorInsufficientQuota: {RequiredOccurrences: 3, TimeWindow: time.Hour},
		ErrorModelNotFound:     {RequiredOccurrences: 10, TimeWindow: time.Hour},
		ErrorRateLimit:        {RequiredOccurrences: 50, TimeWindow: time.Hour},
		ErrorTimeout:          {RequiredOccurrences: 20, TimeWindow: time.Hour},
		ErrorNetworkError:     {RequiredOccurrences: 20, TimeWindow: time.Hour},
		ErrorInternalError:    {RequiredOccurrences: 20, TimeWindow: time.Hour},
	}
}

// CredentialInfo is the subset of ProviderCredential (spec §3) the tracker
// needs to decide what "disable" means for a given id.
type CredentialInfo struct {
	ID         string
	ProviderID string
	IsPrimary  bool
	IsEnabled  bool
}

// CredentialStore is implemented by whatever owns credential rows (outside
// this package's scope); the tracker only needs to read and flip
// enabled/disabled.
type CredentialStore interface {
	Get(ctx context.Context, credentialID string) (CredentialInfo, error)
	ListByProvider(ctx context.Context, providerID string) ([]CredentialInfo, error)
	SetEnabled(ctx context.Context, credentialID string, enabled bool) error
}

// ProviderStore flips a provider's own enabled flag, used when a primary
// credential (or every credential) of that provider is disabled.
type ProviderStore interface {
	SetEnabled(ctx context.Context, providerID string, enabled bool) error
}

const (
	maxWarningsPerCredential = 100
	warningsWindow           = 30 * 24 * time.Hour
	maxGlobalFeed            = 1000
)

// Tracker is the Provider Error Tracker (spec §4.G).
type Tracker struct {
	mu       sync.Mutex
	fatal    map[string]map[ErrorType]*Aggregate // credentialID -> errorType -> aggregate
	warnings map[string][]Record                 // credentialID -> bounded recent warnings
	global   []Record                             // bounded global recent-errors feed
	disabled map[string]time.Time                 // credentialID -> disabledAt

	policy    map[ErrorType]DisablePolicy
	creds     CredentialStore
	providers ProviderStore
	publisher bus.Publisher

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

// Option configures a Tracker at construction time.
type Option func(*Tracker)

func WithPolicyTable(p map[ErrorType]DisablePolicy) Option { return func(t *Tracker) { t.policy = p } }
func WithPublisher(p bus.Publisher) Option                  { return func(t *Tracker) { t.publisher = p } }

// NewTracker constructs a Tracker backed by creds/providers for the
// disable() side effects.
func NewTracker(creds CredentialStore, providers ProviderStore, opts ...Option) *Tracker {
	t := &Tracker{
		fatal:     make(map[string]map[ErrorType]*Aggregate),
		warnings:  make(map[string][]Record),
		disabled:  make(map[string]time.Time),
		policy:    DefaultPolicyTable(),
		creds:     creds,
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TrackError records rec into the fatal aggregate (if IsFatal) or the
// bounded recent-warnings list, and appends it to the global feed (spec
// §4.G).
func (t *Tracker) TrackError(ctx context.Context, rec Record) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.IsFatal {
		byType, ok := t.fatal[rec.CredentialID]
		if !ok {
			byType = make(map[ErrorType]*Aggregate)
			t.fatal[rec.CredentialID] = byType
		}
		agg, ok := byType[rec.ErrorType]
		if !ok {
			agg = &Aggregate{ErrorType: rec.ErrorType, FirstSeen: rec.OccurredAt}
			byType[rec.ErrorType] = agg
		}
		agg.Count++
		agg.LastSeen = rec.OccurredAt
		agg.LastMessage = rec.Message
		agg.LastStatusCode = rec.HTTPStatusCode
	} else {
		list := append(t.warnings[rec.CredentialID], rec)
		list = pruneWindow(list, warningsWindow)
		if len(list) > maxWarningsPerCredential {
			list = list[len(list)-maxWarningsPerCredential:]
		}
		t.warnings[rec.CredentialID] = list
	}

	t.global = append(t.global, rec)
	if len(t.global) > maxGlobalFeed {
		t.global = t.global[len(t.global)-maxGlobalFeed:]
	}
}

func pruneWindow(list []Record, window time.Duration) []Record {
	cutoff := time.Now().Add(-window)
	out := list[:0:0]
	for _, r := range list {
		if r.OccurredAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// ShouldDisable consults the policy table for errorType (spec §4.G):
// true when the policy says disable immediately, or when the fatal
// aggregate count for that type within the policy's time window reaches
// requiredOccurrences.
func (t *Tracker) ShouldDisable(credentialID string, errorType ErrorType) bool {
	policy, ok := t.policy[errorType]
	if !ok {
		return false
	}
	if policy.DisableImmediately {
		return true
	}
	if policy.RequiredOccurrences <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	agg, ok := t.fatal[credentialID][errorType]
	if !ok {
		return false
	}
	if policy.TimeWindow > 0 && time.Since(agg.LastSeen) > policy.TimeWindow {
		return false
	}
	return agg.Count >= policy.RequiredOccurrences
}

// Disable implements spec §4.G's cascading disable rule: disabling a
// primary credential disables its provider; disabling a non-primary
// credential disables the provider too once every credential of that
// provider is disabled. Either outcome publishes CredentialDisabled and
// records the disabled-at marker.
func (t *Tracker) Disable(ctx context.Context, credentialID, reason string) error {
	cred, err := t.creds.Get(ctx, credentialID)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "errtracker: look up credential", err)
	}

	t.markDisabledAt(credentialID)

	if cred.IsPrimary {
		if err := t.providers.SetEnabled(ctx, cred.ProviderID, false); err != nil {
			return errkind.Wrap(errkind.Storage, "errtracker: disable provider", err)
		}
	} else {
		if err := t.creds.SetEnabled(ctx, credentialID, false); err != nil {
			return errkind.Wrap(errkind.Storage, "errtracker: disable credential", err)
		}
		siblings, err := t.creds.ListByProvider(ctx, cred.ProviderID)
		if err == nil {
			allDisabled := true
			for _, s := range siblings {
				if s.ID == credentialID {
					continue
				}
				if s.IsEnabled {
					allDisabled = false
					break
				}
			}
			if allDisabled {
				_ = t.providers.SetEnabled(ctx, cred.ProviderID, false)
			}
		}
	}

	bus.PublishBestEffort(ctx, t.publisher, nil, bus.TopicCredentialDisabled, credentialID, bus.CredentialDisabled{
		KeyID:      credentialID,
		ProviderID: cred.ProviderID,
		Reason:     reason,
		DisabledAt: time.Now(),
	})
	return nil
}

func (t *Tracker) markDisabledAt(credentialID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.disabled[credentialID] = now
	for _, agg := range t.fatal[credentialID] {
		agg.DisabledAt = &now
	}
}

// RecentErrorsFilter narrows RecentErrors (spec §4.G).
type RecentErrorsFilter struct {
	ProviderID   string
	CredentialID string
	Limit        int
}

// RecentErrors returns the global feed, most recent first, filtered.
func (t *Tracker) RecentErrors(filter RecentErrorsFilter) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Record
	for i := len(t.global) - 1; i >= 0; i-- {
		r := t.global[i]
		if filter.ProviderID != "" && r.ProviderID != filter.ProviderID {
			continue
		}
		if filter.CredentialID != "" && r.CredentialID != filter.CredentialID {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// ErrorCount returns the count of errorType events for credentialID within
// window (spec §4.G: "per-key error counts within a window").
func (t *Tracker) ErrorCount(credentialID string, errorType ErrorType, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-window)
	n := 0
	for _, r := range t.warnings[credentialID] {
		if r.ErrorType == errorType && r.OccurredAt.After(cutoff) {
			n++
		}
	}
	if agg, ok := t.fatal[credentialID][errorType]; ok && agg.LastSeen.After(cutoff) {
		n += agg.Count
	}
	return n
}

// CredentialDetail is the combined view for a single credential (spec
// §4.G).
type CredentialDetail struct {
	CredentialID string
	Fatal        []Aggregate
	Warnings     []Record
	Disabled     bool
	DisabledAt   *time.Time
}

func (t *Tracker) CredentialDetail(credentialID string) CredentialDetail {
	t.mu.Lock()
	defer t.mu.Unlock()

	detail := CredentialDetail{CredentialID: credentialID}
	for _, agg := range t.fatal[credentialID] {
		detail.Fatal = append(detail.Fatal, *agg)
	}
	sort.Slice(detail.Fatal, func(i, j int) bool { return detail.Fatal[i].ErrorType < detail.Fatal[j].ErrorType })
	detail.Warnings = append(detail.Warnings, t.warnings[credentialID]...)
	if at, ok := t.disabled[credentialID]; ok {
		detail.Disabled = true
		detail.DisabledAt = &at
	}
	return detail
}

// ProviderSummary is the per-provider rollup (spec §4.G).
type ProviderSummary struct {
	ProviderID            string
	TotalErrors           int
	FatalErrors           int
	Warnings              int
	DisabledCredentialIDs []string
	LastErrorAt           time.Time
}

func (t *Tracker) ProviderSummary(providerID string) ProviderSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := ProviderSummary{ProviderID: providerID}
	for _, r := range t.global {
		if r.ProviderID != providerID {
			continue
		}
		summary.TotalErrors++
		if r.IsFatal {
			summary.FatalErrors++
		} else {
			summary.Warnings++
		}
		if r.OccurredAt.After(summary.LastErrorAt) {
			summary.LastErrorAt = r.OccurredAt
		}
	}
	for credID := range t.disabled {
		summary.DisabledCredentialIDs = append(summary.DisabledCredentialIDs, credID)
	}
	sort.Strings(summary.DisabledCredentialIDs)
	return summary
}

// Statistics is the windowed rollup (spec §4.G).
type Statistics struct {
	Start              time.Time
	End                time.Time
	ByType             map[ErrorType]int
	FatalCount         int
	WarningCount       int
	TotalDisabledCreds int
}

func (t *Tracker) Statistics(start, end time.Time) Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Statistics{Start: start, End: end, ByType: make(map[ErrorType]int)}
	for _, r := range t.global {
		if r.OccurredAt.Before(start) || r.OccurredAt.After(end) {
			continue
		}
		stats.ByType[r.ErrorType]++
		if r.IsFatal {
			stats.FatalCount++
		} else {
			stats.WarningCount++
		}
	}
	stats.TotalDisabledCreds = len(t.disabled)
	return stats
}
