package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goslack "github.com/slack-go/slack"
)

// NotificationChannel delivers a TriggeredAlert to one external surface
// (spec §4.I: Email, Webhook, Slack, Teams).
type NotificationChannel interface {
	Notify(ctx context.Context, target string, alert TriggeredAlert) error
}

// SlackChannel posts alert notifications via the Slack Web API, grounded
// on wisbric-nightowl/pkg/slack.Notifier's bot-token client pattern.
type SlackChannel struct {
	client *goslack.Client
}

// NewSlackChannel constructs a SlackChannel. If botToken is empty the
// channel silently no-ops (matching the teacher's IsEnabled guard).
func NewSlackChannel(botToken string) *SlackChannel {
	if botToken == "" {
		return &SlackChannel{}
	}
	return &SlackChannel{client: goslack.New(botToken)}
}

// Notify posts alert to the Slack channel named by target.
func (s *SlackChannel) Notify(ctx context.Context, target string, alert TriggeredAlert) error {
	if s.client == nil {
		return nil
	}
	text := fmt.Sprintf("[%s] %s: %s", alert.Rule.Severity, alert.Rule.Name, alert.Message)
	_, _, err := s.client.PostMessageContext(ctx, target, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}
	return nil
}

// HTTPChannel posts a structured JSON payload to target over HTTP. It
// serves both the Webhook and Teams channel types (spec §4.I: "Webhook/Slack
// /Teams posts are structured JSON"), matching the teacher's plain
// net/http JSON-POST idiom without introducing a dependency neither needs.
type HTTPChannel struct {
	client  *http.Client
	channel ChannelType
}

// NewHTTPChannel constructs an HTTPChannel for either ChannelWebhook or
// ChannelTeams, with a default 30s timeout (spec §5).
func NewHTTPChannel(channel ChannelType) *HTTPChannel {
	return &HTTPChannel{client: &http.Client{Timeout: 30 * time.Second}, channel: channel}
}

type httpAlertPayload struct {
	RuleName    string    `json:"ruleName"`
	Severity    Severity  `json:"severity"`
	MetricType  string    `json:"metricType"`
	MetricValue float64   `json:"metricValue"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Notify POSTs alert as JSON to the URL named by target.
func (h *HTTPChannel) Notify(ctx context.Context, target string, alert TriggeredAlert) error {
	body, err := json.Marshal(httpAlertPayload{
		RuleName: alert.Rule.Name, Severity: alert.Rule.Severity, MetricType: alert.Rule.MetricType,
		MetricValue: alert.MetricValue, Message: alert.Message, TriggeredAt: alert.TriggeredAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Channel", string(h.channel))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert to %s: %w", h.channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s notification returned status %d", h.channel, resp.StatusCode)
	}
	return nil
}

// EmailChannel logs that an alert should be mailed and delegates actual
// delivery to an external mail service, exactly as spec.md §4.I specifies
// ("Email is delegated to an external mail service").
type EmailChannel struct {
	logger *slog.Logger
}

func NewEmailChannel(logger *slog.Logger) *EmailChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailChannel{logger: logger}
}

func (e *EmailChannel) Notify(_ context.Context, target string, alert TriggeredAlert) error {
	e.logger.Info("monitor: email alert delegated to external mail service",
		"target", target, "rule", alert.Rule.Name, "severity", alert.Rule.Severity, "message", alert.Message)
	return nil
}
