package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelgate/internal/core/bus"
)

// Operator is a threshold comparison (spec §3 AlertRule.condition).
type Operator string

const (
	OpGT  Operator = "GT"
	OpLT  Operator = "LT"
	OpEQ  Operator = "EQ"
	OpNEQ Operator = "NEQ"
	OpGTE Operator = "GTE"
	OpLTE Operator = "LTE"
)

func (op Operator) evaluate(value, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpLT:
		return value < threshold
	case OpEQ:
		return value == threshold
	case OpNEQ:
		return value != threshold
	case OpGTE:
		return value >= threshold
	case OpLTE:
		return value <= threshold
	default:
		return false
	}
}

// Severity mirrors spec §3 AlertRule.severity.
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

// ChannelType mirrors spec §3 AlertRule.channels[].type.
type ChannelType string

const (
	ChannelEmail   ChannelType = "Email"
	ChannelWebhook ChannelType = "Webhook"
	ChannelSlack   ChannelType = "Slack"
	ChannelTeams   ChannelType = "Teams"
)

// ChannelTarget is one fan-out destination (spec §3 AlertRule.channels[]).
type ChannelTarget struct {
	Type   ChannelType
	Target string
}

// Condition is spec §3 AlertRule.condition.
type Condition struct {
	Operator       Operator
	Threshold      float64
	TimeWindow     time.Duration
	MinOccurrences int
}

// AlertRule mirrors spec §3 exactly.
type AlertRule struct {
	ID         string
	Name       string
	MetricType string
	Condition  Condition
	Severity   Severity
	IsEnabled  bool
	Cooldown   time.Duration
	Channels   []ChannelTarget
}

// AlertState is spec §3 TriggeredAlert.state.
type AlertState string

const (
	AlertActive       AlertState = "Active"
	AlertAcknowledged AlertState = "Acknowledged"
	AlertResolved     AlertState = "Resolved"
)

// TriggeredAlert mirrors spec §3 exactly.
type TriggeredAlert struct {
	ID             string
	Rule           AlertRule
	MetricValue    float64
	Message        string
	Details        map[string]string
	TriggeredAt    time.Time
	State          AlertState
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	AckNotes       string
}

// AudioMetricsSnapshot is the metric bundle audio alert rules evaluate
// against (spec §4.I: "error rate, provider availability, active sessions,
// request rate, connection-pool utilization, etc.").
type AudioMetricsSnapshot struct {
	ErrorRate                 float64
	ProviderAvailability      float64
	ActiveSessions            int
	RequestRate               float64
	ConnectionPoolUtilization float64
	Values                    map[string]float64 // extension point for custom metricTypes
}

func (s AudioMetricsSnapshot) metric(metricType string) (float64, bool) {
	switch metricType {
	case "error_rate":
		return s.ErrorRate, true
	case "provider_availability":
		return s.ProviderAvailability, true
	case "active_sessions":
		return float64(s.ActiveSessions), true
	case "request_rate":
		return s.RequestRate, true
	case "connection_pool_utilization":
		return s.ConnectionPoolUtilization, true
	default:
		v, ok := s.Values[metricType]
		return v, ok
	}
}

const maxAlertHistory = 1000

func pruneOlderThan(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	return hits[i:]
}

// Evaluator applies AlertRules to AudioMetricsSnapshots, enforcing cooldown
// and a bounded triggered-alert history, and fans notifications out across
// channels (spec §4.I, grounded on wisbric-nightowl/pkg/alert's
// rule-evaluation + dedup-by-cooldown idiom).
type Evaluator struct {
	mu         sync.Mutex
	rules      []AlertRule
	lastFired  map[string]time.Time
	recentHits map[string][]time.Time
	history    []TriggeredAlert
	channels   map[ChannelType]NotificationChannel
	pub        bus.Publisher
	logger     *slog.Logger
}

// NewEvaluator constructs an Evaluator with the given rule set and channel
// implementations (missing channel types fall back to a logged warning).
func NewEvaluator(rules []AlertRule, channels map[ChannelType]NotificationChannel, pub bus.Publisher, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		rules: rules, lastFired: make(map[string]time.Time), recentHits: make(map[string][]time.Time),
		channels: channels, pub: pub, logger: logger,
	}
}

// Evaluate checks every enabled rule against snapshot, firing (and
// notifying) the ones whose condition holds and whose cooldown has
// elapsed (spec §4.I).
func (e *Evaluator) Evaluate(ctx context.Context, snapshot AudioMetricsSnapshot) []TriggeredAlert {
	var fired []TriggeredAlert
	now := time.Now()

	for _, rule := range e.rules {
		if !rule.IsEnabled {
			continue
		}
		value, ok := snapshot.metric(rule.MetricType)
		if !ok {
			continue
		}
		if !rule.Condition.Operator.evaluate(value, rule.Condition.Threshold) {
			continue
		}

		window := rule.Condition.TimeWindow
		if window <= 0 {
			window = time.Minute
		}
		minOccurrences := rule.Condition.MinOccurrences
		if minOccurrences <= 0 {
			minOccurrences = 1
		}

		e.mu.Lock()
		hits := append(e.recentHits[rule.ID], now)
		hits = pruneOlderThan(hits, now.Add(-window))
		e.recentHits[rule.ID] = hits
		enoughOccurrences := len(hits) >= minOccurrences
		last, seen := e.lastFired[rule.ID]
		inCooldown := seen && now.Sub(last) < rule.Cooldown
		e.mu.Unlock()

		if !enoughOccurrences || inCooldown {
			continue
		}

		alert := TriggeredAlert{
			ID: uuid.New().String(), Rule: rule, MetricValue: value,
			Message:     fmt.Sprintf("%s: %s %s %.2f (observed %.2f)", rule.Name, rule.MetricType, rule.Condition.Operator, rule.Condition.Threshold, value),
			TriggeredAt: now, State: AlertActive,
		}

		e.mu.Lock()
		e.lastFired[rule.ID] = now
		e.history = append(e.history, alert)
		if len(e.history) > maxAlertHistory {
			e.history = e.history[len(e.history)-maxAlertHistory:]
		}
		e.mu.Unlock()

		e.notify(ctx, alert)
		fired = append(fired, alert)
	}

	return fired
}

func (e *Evaluator) notify(ctx context.Context, alert TriggeredAlert) {
	for _, target := range alert.Rule.Channels {
		ch, ok := e.channels[target.Type]
		if !ok {
			e.logger.Warn("monitor: no notification channel registered", "type", target.Type, "alertId", alert.ID)
			continue
		}
		if err := ch.Notify(ctx, target.Target, alert); err != nil {
			e.logger.Warn("monitor: notification failed", "channel", target.Type, "target", target.Target, "error", err)
		}
	}
}

// History returns the bounded (last 1000) triggered-alert history.
func (e *Evaluator) History() []TriggeredAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TriggeredAlert, len(e.history))
	copy(out, e.history)
	return out
}

// Acknowledge transitions a triggered alert to Acknowledged. Returns false
// if id is not found in history.
func (e *Evaluator) Acknowledge(id, by, notes string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for i := range e.history {
		if e.history[i].ID == id {
			e.history[i].State = AlertAcknowledged
			e.history[i].AcknowledgedBy = by
			e.history[i].AcknowledgedAt = &now
			e.history[i].AckNotes = notes
			return true
		}
	}
	return false
}
