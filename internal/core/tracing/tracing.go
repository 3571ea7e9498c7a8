// Package tracing implements Tracing & Metrics' tracing half (spec §4.K): a
// stateful trace/span store with W3C traceparent propagation, bounded
// completed-trace history with periodic cleanup, and query operations.
package tracing

import "time"

// Status is a span/trace status transition (spec §4.K).
type Status string

const (
	StatusUnset Status = "Unset"
	StatusOk    Status = "Ok"
	StatusError Status = "Error"
)

// SpanEvent is a timestamped annotation attached to a span (spec §4.K
// "Events, tags, exceptions ... are attached to the active trace").
type SpanEvent struct {
	Name       string
	Attributes map[string]string
	Timestamp  time.Time
}

// Span is one unit of work within a Trace.
type Span struct {
	ID            string
	ParentID      string
	Name          string
	Tags          map[string]string
	Events        []SpanEvent
	StartedAt     time.Time
	EndedAt       time.Time
	Status        Status
	StatusMessage string
}

func (s *Span) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Trace is a request-scoped tree of Spans plus tenant/provider dimensions
// used for filtering (spec §4.K searchTraces filters).
type Trace struct {
	ID            string
	Name          string
	OperationType string
	Provider      string
	TenantID      string
	Tags          map[string]string
	Spans         []*Span
	StartedAt     time.Time
	EndedAt       time.Time
	Status        Status
}

func (t *Trace) Duration() time.Duration {
	if t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// RootSpan returns the trace's first (root) span, if any.
func (t *Trace) RootSpan() *Span {
	if len(t.Spans) == 0 {
		return nil
	}
	return t.Spans[0]
}

// TraceContext is the handle returned by StartTrace, used to create further
// spans and, eventually, to end the trace.
type TraceContext struct {
	TraceID string
	SpanID  string // root span id
}

// SpanContext is the handle returned by CreateSpan, and the argument every
// other per-span operation (AddEvent, SetTag, RecordException, SetStatus,
// EndSpan) takes.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}
