package monitor

import (
	"context"
	"testing"
	"time"

	"modelgate/internal/core/cache"
)

func TestCacheMonitorFiresHitRateAlertOnlyAboveRequestFloor(t *testing.T) {
	mgr := cache.NewManager()
	ctx := context.Background()
	region := cache.RegionModelMetadata

	for i := 0; i < 5; i++ {
		mgr.GetEntry(ctx, region, "missing-key")
	}

	m := NewCacheMonitor(mgr, []cache.Region{region}, CacheThresholds{MinHitRate: 0.9, MinRequestsForHitRateAlert: 20}, nil)
	if alerts := m.Evaluate(ctx); len(alerts) != 0 {
		t.Fatalf("expected no alert below request floor, got %+v", alerts)
	}

	for i := 0; i < 20; i++ {
		mgr.GetEntry(ctx, region, "missing-key")
	}
	alerts := m.Evaluate(ctx)
	if len(alerts) != 1 || alerts[0].MetricType != "hit_rate" {
		t.Fatalf("expected one hit_rate alert once past the floor, got %+v", alerts)
	}
}

func TestCacheMonitorHonorsRegionOverride(t *testing.T) {
	mgr := cache.NewManager()
	ctx := context.Background()
	region := cache.RegionModelMetadata

	for i := 0; i < 10; i++ {
		mgr.GetEntry(ctx, region, "missing-key")
	}

	strict := CacheThresholds{MinHitRate: 0.99, MinRequestsForHitRateAlert: 1}
	lenient := CacheThresholds{MinHitRate: 0, MinRequestsForHitRateAlert: 1}
	m := NewCacheMonitor(mgr, []cache.Region{region}, strict, nil, WithRegionOverride(region, lenient))

	if alerts := m.Evaluate(ctx); len(alerts) != 0 {
		t.Fatalf("expected override to suppress hit_rate alert, got %+v", alerts)
	}
}

func TestCacheMonitorHistoryIsBounded(t *testing.T) {
	mgr := cache.NewManager()
	ctx := context.Background()
	region := cache.RegionModelMetadata
	mgr.GetEntry(ctx, region, "missing-key")

	m := NewCacheMonitor(mgr, []cache.Region{region}, CacheThresholds{MinHitRate: 1, MinRequestsForHitRateAlert: 0}, nil)
	for i := 0; i < maxCacheAlertHistory+10; i++ {
		m.Evaluate(ctx)
	}
	if got := len(m.History()); got != maxCacheAlertHistory {
		t.Fatalf("expected history bounded to %d, got %d", maxCacheAlertHistory, got)
	}
}

type fakeChannel struct {
	notified []string
	err      error
}

func (f *fakeChannel) Notify(_ context.Context, target string, _ TriggeredAlert) error {
	f.notified = append(f.notified, target)
	return f.err
}

func baseRule(id string, minOccurrences int, window, cooldown time.Duration) AlertRule {
	return AlertRule{
		ID: id, Name: "high error rate", MetricType: "error_rate", IsEnabled: true,
		Condition: Condition{Operator: OpGT, Threshold: 0.5, TimeWindow: window, MinOccurrences: minOccurrences},
		Severity:  SeverityWarning, Cooldown: cooldown,
		Channels:  []ChannelTarget{{Type: ChannelSlack, Target: "#alerts"}},
	}
}

func TestEvaluatorOperators(t *testing.T) {
	cases := []struct {
		op       Operator
		value    float64
		expected bool
	}{
		{OpGT, 1, true}, {OpGT, 0, false},
		{OpLT, -1, true}, {OpLT, 1, false},
		{OpEQ, 0.5, true}, {OpEQ, 0.6, false},
		{OpNEQ, 0.6, true}, {OpNEQ, 0.5, false},
		{OpGTE, 0.5, true}, {OpGTE, 0.4, false},
		{OpLTE, 0.5, true}, {OpLTE, 0.6, false},
	}
	for _, c := range cases {
		if got := c.op.evaluate(c.value, 0.5); got != c.expected {
			t.Fatalf("operator %s value %v: expected %v, got %v", c.op, c.value, c.expected, got)
		}
	}
}

func TestEvaluatorRequiresMinOccurrencesWithinWindow(t *testing.T) {
	rule := baseRule("rule-1", 3, time.Minute, 0)
	e := NewEvaluator([]AlertRule{rule}, nil, nil, nil)
	snap := AudioMetricsSnapshot{ErrorRate: 0.9}

	if fired := e.Evaluate(context.Background(), snap); len(fired) != 0 {
		t.Fatalf("expected no fire on first occurrence, got %+v", fired)
	}
	if fired := e.Evaluate(context.Background(), snap); len(fired) != 0 {
		t.Fatalf("expected no fire on second occurrence, got %+v", fired)
	}
	fired := e.Evaluate(context.Background(), snap)
	if len(fired) != 1 {
		t.Fatalf("expected fire on third occurrence within window, got %+v", fired)
	}
}

func TestEvaluatorCooldownSuppressesRefire(t *testing.T) {
	rule := baseRule("rule-2", 1, time.Minute, time.Hour)
	e := NewEvaluator([]AlertRule{rule}, nil, nil, nil)
	snap := AudioMetricsSnapshot{ErrorRate: 0.9}

	if fired := e.Evaluate(context.Background(), snap); len(fired) != 1 {
		t.Fatalf("expected initial fire, got %+v", fired)
	}
	if fired := e.Evaluate(context.Background(), snap); len(fired) != 0 {
		t.Fatalf("expected cooldown to suppress refire, got %+v", fired)
	}
}

func TestEvaluatorFansOutToRegisteredChannel(t *testing.T) {
	rule := baseRule("rule-3", 1, time.Minute, 0)
	ch := &fakeChannel{}
	e := NewEvaluator([]AlertRule{rule}, map[ChannelType]NotificationChannel{ChannelSlack: ch}, nil, nil)

	fired := e.Evaluate(context.Background(), AudioMetricsSnapshot{ErrorRate: 0.9})
	if len(fired) != 1 {
		t.Fatalf("expected one fired alert, got %+v", fired)
	}
	if len(ch.notified) != 1 || ch.notified[0] != "#alerts" {
		t.Fatalf("expected channel to be notified on #alerts, got %+v", ch.notified)
	}
}

func TestEvaluatorIgnoresUnknownMetricType(t *testing.T) {
	rule := baseRule("rule-4", 1, time.Minute, 0)
	rule.MetricType = "does_not_exist"
	e := NewEvaluator([]AlertRule{rule}, nil, nil, nil)
	if fired := e.Evaluate(context.Background(), AudioMetricsSnapshot{ErrorRate: 0.9}); len(fired) != 0 {
		t.Fatalf("expected no fire for unknown metric type, got %+v", fired)
	}
}

func TestEvaluatorHistoryBoundedAndAcknowledge(t *testing.T) {
	rule := baseRule("rule-5", 1, 0, 0)
	e := NewEvaluator([]AlertRule{rule}, nil, nil, nil)
	for i := 0; i < maxAlertHistory+5; i++ {
		e.Evaluate(context.Background(), AudioMetricsSnapshot{ErrorRate: 0.9})
	}
	history := e.History()
	if len(history) != maxAlertHistory {
		t.Fatalf("expected history bounded to %d, got %d", maxAlertHistory, len(history))
	}

	id := history[len(history)-1].ID
	if !e.Acknowledge(id, "operator-1", "investigating") {
		t.Fatalf("expected Acknowledge to find alert %s", id)
	}
	for _, a := range e.History() {
		if a.ID == id && a.State != AlertAcknowledged {
			t.Fatalf("expected alert %s acknowledged, got state %s", id, a.State)
		}
	}
}
