package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"modelgate/internal/core/bus"
)

func TestNotificationServiceDeliversWithStandardHeaders(t *testing.T) {
	var gotType, gotTimestamp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("X-Webhook-Type")
		gotTimestamp = r.Header.Get("X-Webhook-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewNotificationService(Config{RequestTimeout: time.Second, RatePerSecond: 100})
	err := svc.Deliver(context.Background(), bus.WebhookDeliveryRequested{URL: srv.URL, Payload: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotType != "delivery" {
		t.Fatalf("expected X-Webhook-Type header, got %q", gotType)
	}
	if gotTimestamp == "" {
		t.Fatalf("expected X-Webhook-Timestamp header to be set")
	}
}

func TestNotificationServiceClassifiesServerErrorAsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := NewNotificationService(Config{RequestTimeout: time.Second, RatePerSecond: 100})
	err := svc.Deliver(context.Background(), bus.WebhookDeliveryRequested{URL: srv.URL, Payload: []byte(`{}`)})
	if err == nil {
		t.Fatalf("expected error for 503 response")
	}
}

func TestNotificationServiceClassifiesClientErrorAsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := NewNotificationService(Config{RequestTimeout: time.Second, RatePerSecond: 100})
	err := svc.Deliver(context.Background(), bus.WebhookDeliveryRequested{URL: srv.URL, Payload: []byte(`{}`)})
	if err == nil {
		t.Fatalf("expected error for 400 response")
	}
}
