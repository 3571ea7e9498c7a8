package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modelgate/internal/core/errkind"
)

const defaultMaxCompletedHistory = 5000

// Store is the stateful tracing service (spec §4.K): active traces held in
// memory, a bounded completed-trace history, and a periodic cleanup pass
// for traces abandoned without an EndTrace call, grounded on the teacher's
// ticker-driven background-sweep idiom (e.g. internal/routing/health's
// periodic refresh) applied to trace garbage collection instead of health
// scores.
type Store struct {
	mu        sync.Mutex
	active    map[string]*Trace
	completed []*Trace
	maxHist   int
	maxAge    time.Duration
	logger    *slog.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

func WithMaxCompletedHistory(n int) Option { return func(s *Store) { s.maxHist = n } }
func WithMaxTraceAge(d time.Duration) Option { return func(s *Store) { s.maxAge = d } }
func WithLogger(l *slog.Logger) Option       { return func(s *Store) { s.logger = l } }

// NewStore constructs a Store with a default 5000-entry completed history
// and a 1-hour abandoned-trace age limit.
func NewStore(opts ...Option) *Store {
	s := &Store{
		active: make(map[string]*Trace), maxHist: defaultMaxCompletedHistory,
		maxAge: time.Hour, logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartTrace begins a new trace with an implicit root span (spec §4.K
// `startTrace(name, operationType, tags?) → TraceContext`).
func (s *Store) StartTrace(name, operationType string, tags map[string]string) TraceContext {
	now := time.Now()
	traceID := NewTraceID()
	rootSpanID := NewSpanID()

	root := &Span{ID: rootSpanID, Name: name, Tags: copyTags(tags), StartedAt: now, Status: StatusUnset}
	trace := &Trace{
		ID: traceID, Name: name, OperationType: operationType, Tags: copyTags(tags),
		Spans: []*Span{root}, StartedAt: now, Status: StatusUnset,
	}

	s.mu.Lock()
	s.active[traceID] = trace
	s.mu.Unlock()

	return TraceContext{TraceID: traceID, SpanID: rootSpanID}
}

// CreateSpan opens a child span under parent (spec §4.K `createSpan(parent,
// name, tags?) → SpanContext`).
func (s *Store) CreateSpan(parent SpanContext, name string, tags map[string]string) (SpanContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace, ok := s.active[parent.TraceID]
	if !ok {
		return SpanContext{}, errkind.New(errkind.Storage, fmt.Sprintf("tracing: no active trace %s", parent.TraceID))
	}

	span := &Span{ID: NewSpanID(), ParentID: parent.SpanID, Name: name, Tags: copyTags(tags), StartedAt: time.Now(), Status: StatusUnset}
	trace.Spans = append(trace.Spans, span)

	return SpanContext{TraceID: parent.TraceID, SpanID: span.ID, ParentSpanID: parent.SpanID}, nil
}

func (s *Store) findSpan(traceID, spanID string) (*Trace, *Span, bool) {
	trace, ok := s.active[traceID]
	if !ok {
		return nil, nil, false
	}
	for _, sp := range trace.Spans {
		if sp.ID == spanID {
			return trace, sp, true
		}
	}
	return nil, nil, false
}

// AddEvent attaches a named, timestamped event to the span.
func (s *Store) AddEvent(sc SpanContext, name string, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, span, ok := s.findSpan(sc.TraceID, sc.SpanID)
	if !ok {
		return errkind.New(errkind.Storage, fmt.Sprintf("tracing: no active span %s", sc.SpanID))
	}
	span.Events = append(span.Events, SpanEvent{Name: name, Attributes: copyTags(attrs), Timestamp: time.Now()})
	return nil
}

// SetTag attaches a key/value tag to the span.
func (s *Store) SetTag(sc SpanContext, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, span, ok := s.findSpan(sc.TraceID, sc.SpanID)
	if !ok {
		return errkind.New(errkind.Storage, fmt.Sprintf("tracing: no active span %s", sc.SpanID))
	}
	if span.Tags == nil {
		span.Tags = make(map[string]string)
	}
	span.Tags[key] = value
	return nil
}

// RecordException attaches err as an "exception" event and marks the span
// (and its trace) Error, matching the status precedence a failed child
// span should impose on its ancestor trace.
func (s *Store) RecordException(sc SpanContext, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trace, span, ok := s.findSpan(sc.TraceID, sc.SpanID)
	if !ok {
		return errkind.New(errkind.Storage, fmt.Sprintf("tracing: no active span %s", sc.SpanID))
	}
	span.Events = append(span.Events, SpanEvent{Name: "exception", Attributes: map[string]string{"message": err.Error()}, Timestamp: time.Now()})
	span.Status = StatusError
	span.StatusMessage = err.Error()
	trace.Status = StatusError
	return nil
}

// SetStatus transitions a span's status (spec §4.K: Ok, Error, Unset).
func (s *Store) SetStatus(sc SpanContext, status Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trace, span, ok := s.findSpan(sc.TraceID, sc.SpanID)
	if !ok {
		return errkind.New(errkind.Storage, fmt.Sprintf("tracing: no active span %s", sc.SpanID))
	}
	span.Status = status
	span.StatusMessage = message
	if status == StatusError {
		trace.Status = StatusError
	}
	return nil
}

// EndSpan closes a span, recording its end time.
func (s *Store) EndSpan(sc SpanContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, span, ok := s.findSpan(sc.TraceID, sc.SpanID)
	if !ok {
		return errkind.New(errkind.Storage, fmt.Sprintf("tracing: no active span %s", sc.SpanID))
	}
	span.EndedAt = time.Now()
	if span.Status == StatusUnset {
		span.Status = StatusOk
	}
	return nil
}

// EndTrace closes every still-open span, finalizes the trace's status, and
// moves it from the active set into the bounded completed history.
func (s *Store) EndTrace(tc TraceContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace, ok := s.active[tc.TraceID]
	if !ok {
		return errkind.New(errkind.Storage, fmt.Sprintf("tracing: no active trace %s", tc.TraceID))
	}

	now := time.Now()
	for _, sp := range trace.Spans {
		if sp.EndedAt.IsZero() {
			sp.EndedAt = now
			if sp.Status == StatusUnset {
				sp.Status = StatusOk
			}
		}
	}
	trace.EndedAt = now
	if trace.Status == StatusUnset {
		trace.Status = StatusOk
	}

	delete(s.active, tc.TraceID)
	s.completed = append(s.completed, trace)
	if len(s.completed) > s.maxHist {
		s.completed = s.completed[len(s.completed)-s.maxHist:]
	}
	return nil
}

// Cleanup finds active traces whose root span started more than maxAge ago
// and force-ends them as abandoned (spec §4.K "periodic cleanup"), meant to
// be called from a background ticker. Returns the number of traces reaped.
func (s *Store) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	cutoff := time.Now().Add(-s.maxAge)
	var stale []string
	for id, trace := range s.active {
		if trace.StartedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		if ctx.Err() != nil {
			return len(stale)
		}
		s.mu.Lock()
		if trace, ok := s.active[id]; ok {
			trace.Status = StatusError
			for _, sp := range trace.Spans {
				if sp.EndedAt.IsZero() {
					sp.EndedAt = time.Now()
					sp.Status = StatusError
					sp.StatusMessage = "abandoned: trace exceeded max age without EndTrace"
				}
			}
			trace.EndedAt = time.Now()
			delete(s.active, id)
			s.completed = append(s.completed, trace)
			if len(s.completed) > s.maxHist {
				s.completed = s.completed[len(s.completed)-s.maxHist:]
			}
		}
		s.mu.Unlock()
		s.logger.Warn("tracing: reaped abandoned trace", "traceId", id)
	}
	return len(stale)
}

func copyTags(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
