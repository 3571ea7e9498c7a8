// Package bus implements the publish-subscribe primitive the rest of the
// core services treat as an external collaborator: partitioned, in-order
// delivery per routing key, at-least-once, with consumers expected to
// deduplicate via each event's delivery key where one is defined.
package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names the logical channel an Event is published on. Transport
// partitioning (Redis Streams in the distributed Bus) uses the topic plus
// an explicit routing key, never the event payload alone.
type Topic string

const (
	TopicAsyncTaskCreated          Topic = "async_task.created"
	TopicAsyncTaskUpdated          Topic = "async_task.updated"
	TopicVideoGenerationRequested  Topic = "video_generation.requested"
	TopicVideoGenerationProgress   Topic = "video_generation.progress"
	TopicVideoGenerationCompleted  Topic = "video_generation.completed"
	TopicVideoGenerationFailed     Topic = "video_generation.failed"
	TopicVideoGenerationCancelled  Topic = "video_generation.cancelled"
	TopicMediaGenerationCompleted  Topic = "media_generation.completed"
	TopicWebhookDeliveryRequested  Topic = "webhook_delivery.requested"
	TopicCredentialDisabled        Topic = "credential.disabled"
	TopicCacheAlertTriggered       Topic = "cache.alert_triggered"
	TopicVideoProgressCheckRequest Topic = "video_generation.progress_check_requested"
)

// AllTopics returns every topic constant this module publishes on, used by
// the distributed Bus to provision consumer groups at startup.
func AllTopics() []Topic {
	return []Topic{
		TopicAsyncTaskCreated,
		TopicAsyncTaskUpdated,
		TopicVideoGenerationRequested,
		TopicVideoGenerationProgress,
		TopicVideoGenerationCompleted,
		TopicVideoGenerationFailed,
		TopicVideoGenerationCancelled,
		TopicMediaGenerationCompleted,
		TopicWebhookDeliveryRequested,
		TopicCredentialDisabled,
		TopicCacheAlertTriggered,
		TopicVideoProgressCheckRequest,
	}
}

// Envelope wraps every published event with a version, the routing key
// used for in-order delivery, and a publish timestamp, mirroring the
// versioned-event convention used for cache invalidation/refresh events
// elsewhere in the pack.
type Envelope struct {
	Version     int             `json:"version"`
	Topic       Topic           `json:"topic"`
	RoutingKey  string          `json:"routingKey"`
	PublishedAt time.Time       `json:"publishedAt"`
	Payload     json.RawMessage `json:"payload"`
}

// Validate reports whether the envelope is well-formed enough to publish.
func (e *Envelope) Validate() error {
	if e.Topic == "" {
		return fmt.Errorf("bus: envelope missing topic")
	}
	if e.RoutingKey == "" {
		return fmt.Errorf("bus: envelope missing routing key")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("bus: envelope missing payload")
	}
	return nil
}

// AsyncTaskCreated mirrors spec §6.
type AsyncTaskCreated struct {
	TaskID       string `json:"taskId"`
	TaskType     string `json:"taskType"`
	VirtualKeyID string `json:"virtualKeyId"`
}

// AsyncTaskUpdated mirrors spec §6.
type AsyncTaskUpdated struct {
	TaskID      string `json:"taskId"`
	State       string `json:"state"`
	Progress    int    `json:"progress"`
	IsCompleted bool   `json:"isCompleted"`
}

// VideoGenerationParameters is the `parameters` sub-object of
// VideoGenerationRequested.
type VideoGenerationParameters struct {
	Size           string `json:"size,omitempty"`
	Duration       int    `json:"duration,omitempty"`
	FPS            int    `json:"fps,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"responseFormat,omitempty"`
}

// VideoGenerationRequested mirrors spec §6.
type VideoGenerationRequested struct {
	RequestID       string                    `json:"requestId"`
	Model           string                    `json:"model"`
	Prompt          string                    `json:"prompt"`
	VirtualKeyID    string                    `json:"virtualKeyId"`
	IsAsync         bool                      `json:"isAsync"`
	WebhookURL      string                    `json:"webhookUrl,omitempty"`
	WebhookHeaders  map[string]string         `json:"webhookHeaders,omitempty"`
	Parameters      VideoGenerationParameters `json:"parameters"`
	CorrelationID   string                    `json:"correlationId"`
}

// VideoGenerationProgress mirrors spec §6.
type VideoGenerationProgress struct {
	RequestID          string `json:"requestId"`
	ProgressPercentage int    `json:"progressPercentage"`
	Status             string `json:"status"`
	Message            string `json:"message,omitempty"`
	CorrelationID      string `json:"correlationId"`
}

// VideoGenerationCompleted mirrors spec §6.
type VideoGenerationCompleted struct {
	RequestID     string    `json:"requestId"`
	VideoURL      string    `json:"videoUrl"`
	CompletedAt   time.Time `json:"completedAt"`
	CorrelationID string    `json:"correlationId"`
}

// VideoGenerationFailed mirrors spec §6.
type VideoGenerationFailed struct {
	RequestID     string    `json:"requestId"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failedAt"`
	CorrelationID string    `json:"correlationId"`
}

// VideoGenerationCancelled mirrors spec §6.
type VideoGenerationCancelled struct {
	RequestID     string    `json:"requestId"`
	CancelledAt   time.Time `json:"cancelledAt"`
	CorrelationID string    `json:"correlationId"`
}

// VideoProgressCheckRequested drives the pseudo-progress fallback scheduler.
type VideoProgressCheckRequested struct {
	RequestID          string `json:"requestId"`
	ProgressPercentage int    `json:"progressPercentage"`
}

// MediaGenerationCompleted mirrors spec §6.
type MediaGenerationCompleted struct {
	MediaType        string            `json:"mediaType"`
	VirtualKeyID     string            `json:"virtualKeyId"`
	MediaURL         string            `json:"mediaUrl"`
	StorageKey       string            `json:"storageKey"`
	FileSizeBytes    int64             `json:"fileSizeBytes"`
	ContentType      string            `json:"contentType"`
	GeneratedByModel string            `json:"generatedByModel"`
	GenerationPrompt string            `json:"generationPrompt"`
	GeneratedAt      time.Time         `json:"generatedAt"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// WebhookDeliveryRequested mirrors spec §6.
type WebhookDeliveryRequested struct {
	PartitionKey string            `json:"partitionKey"`
	DeliveryKey  string            `json:"deliveryKey"`
	URL          string            `json:"url"`
	Payload      json.RawMessage   `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// CredentialDisabled mirrors spec §6.
type CredentialDisabled struct {
	KeyID      string    `json:"keyId"`
	ProviderID string    `json:"providerId"`
	Reason     string    `json:"reason"`
	DisabledAt time.Time `json:"disabledAt"`
}

// CacheAlertTriggered carries a cache-monitoring threshold breach.
type CacheAlertTriggered struct {
	Region      string    `json:"region"`
	MetricType  string    `json:"metricType"`
	MetricValue float64   `json:"metricValue"`
	Threshold   float64   `json:"threshold"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggeredAt"`
}
