package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"modelgate/internal/core/bus"
	"modelgate/internal/core/errkind"
)

// NotificationService posts a WebhookDeliveryRequested payload as JSON over
// HTTP, rate limited and with standard headers (spec §4.J "Notification
// Service"), grounded on the teacher's net/http client idiom.
type NotificationService struct {
	client  *http.Client
	limiter *rate.Limiter
}

func NewNotificationService(cfg Config) *NotificationService {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &NotificationService{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
	}
}

// Deliver POSTs req.Payload to req.URL. A custom per-delivery timeout (via
// req.Headers["X-Webhook-Timeout"], parsed by the caller before this point)
// is not modeled here; callers wanting a custom timeout build their own
// *NotificationService with a different Config.RequestTimeout.
func (n *NotificationService) Deliver(ctx context.Context, req bus.WebhookDeliveryRequested) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook: rate limiter: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return errkind.Wrap(errkind.Validation, "webhook: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Webhook-Type", "delivery")
	httpReq.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errkind.Wrap(errkind.ProviderTransient, "webhook: request timed out", err)
		}
		return errkind.Wrap(errkind.ProviderTransient, "webhook: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errkind.New(errkind.ProviderTransient, fmt.Sprintf("webhook: endpoint returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return errkind.New(errkind.ProviderFatal, fmt.Sprintf("webhook: endpoint returned status %d", resp.StatusCode))
	}
	return nil
}
