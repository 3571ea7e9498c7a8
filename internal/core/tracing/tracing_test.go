package tracing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStartTraceCreateNestedSpans(t *testing.T) {
	s := NewStore()

	tc := s.StartTrace("handle-request", "completion", map[string]string{"route": "/v1/chat"})
	if tc.TraceID == "" || tc.SpanID == "" {
		t.Fatalf("expected non-empty trace/span ids")
	}

	child, err := s.CreateSpan(SpanContext{TraceID: tc.TraceID, SpanID: tc.SpanID}, "call-provider", nil)
	if err != nil {
		t.Fatalf("CreateSpan: %v", err)
	}
	if child.ParentSpanID != tc.SpanID {
		t.Fatalf("expected child parent %s, got %s", tc.SpanID, child.ParentSpanID)
	}

	trace, ok := s.GetTrace(tc.TraceID)
	if !ok {
		t.Fatalf("expected trace to be found while active")
	}
	if len(trace.Spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(trace.Spans))
	}
}

func TestCreateSpanUnknownTraceErrors(t *testing.T) {
	s := NewStore()
	if _, err := s.CreateSpan(SpanContext{TraceID: "missing"}, "x", nil); err == nil {
		t.Fatalf("expected error for unknown trace")
	}
}

func TestAddEventSetTagRecordExceptionSetStatus(t *testing.T) {
	s := NewStore()
	tc := s.StartTrace("job", "task", nil)
	root := SpanContext{TraceID: tc.TraceID, SpanID: tc.SpanID}

	if err := s.AddEvent(root, "retry", map[string]string{"attempt": "2"}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := s.SetTag(root, "provider", "openai"); err != nil {
		t.Fatalf("SetTag: %v", err)
	}
	if err := s.RecordException(root, errors.New("boom")); err != nil {
		t.Fatalf("RecordException: %v", err)
	}

	trace, _ := s.GetTrace(tc.TraceID)
	span := trace.Spans[0]
	if len(span.Events) != 2 {
		t.Fatalf("expected 2 events (retry + exception), got %d", len(span.Events))
	}
	if span.Tags["provider"] != "openai" {
		t.Fatalf("expected tag to be set")
	}
	if span.Status != StatusError || trace.Status != StatusError {
		t.Fatalf("expected RecordException to mark span and trace Error")
	}

	if err := s.SetStatus(root, StatusOk, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	trace, _ = s.GetTrace(tc.TraceID)
	if trace.Spans[0].Status != StatusOk {
		t.Fatalf("expected SetStatus to override span status")
	}
}

func TestEndTraceMovesToCompletedHistory(t *testing.T) {
	s := NewStore()
	tc := s.StartTrace("job", "task", nil)

	if _, ok := s.GetTrace(tc.TraceID); !ok {
		t.Fatalf("expected trace active before EndTrace")
	}
	if err := s.EndTrace(tc); err != nil {
		t.Fatalf("EndTrace: %v", err)
	}

	trace, ok := s.GetTrace(tc.TraceID)
	if !ok {
		t.Fatalf("expected trace findable in completed history")
	}
	if trace.EndedAt.IsZero() {
		t.Fatalf("expected EndedAt to be set")
	}
	if trace.Status != StatusOk {
		t.Fatalf("expected default status Ok, got %s", trace.Status)
	}

	s.mu.Lock()
	_, stillActive := s.active[tc.TraceID]
	s.mu.Unlock()
	if stillActive {
		t.Fatalf("expected trace removed from active set")
	}
}

func TestEndTraceClosesDanglingChildSpans(t *testing.T) {
	s := NewStore()
	tc := s.StartTrace("job", "task", nil)
	child, _ := s.CreateSpan(SpanContext{TraceID: tc.TraceID, SpanID: tc.SpanID}, "child", nil)
	_ = child

	if err := s.EndTrace(tc); err != nil {
		t.Fatalf("EndTrace: %v", err)
	}
	trace, _ := s.GetTrace(tc.TraceID)
	for _, sp := range trace.Spans {
		if sp.EndedAt.IsZero() {
			t.Fatalf("expected all spans closed on EndTrace")
		}
	}
}

func TestCompletedHistoryIsBounded(t *testing.T) {
	s := NewStore(WithMaxCompletedHistory(3))
	for i := 0; i < 10; i++ {
		tc := s.StartTrace("job", "task", nil)
		if err := s.EndTrace(tc); err != nil {
			t.Fatalf("EndTrace: %v", err)
		}
	}
	s.mu.Lock()
	n := len(s.completed)
	s.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected bounded history of 3, got %d", n)
	}
}

func TestCleanupReapsAbandonedActiveTraces(t *testing.T) {
	s := NewStore(WithMaxTraceAge(-time.Second)) // everything immediately "stale"
	tc := s.StartTrace("job", "task", nil)

	n := s.Cleanup(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 reaped trace, got %d", n)
	}

	trace, ok := s.GetTrace(tc.TraceID)
	if !ok {
		t.Fatalf("expected reaped trace to be findable in completed history")
	}
	if trace.Status != StatusError {
		t.Fatalf("expected reaped trace marked Error, got %s", trace.Status)
	}
}

func TestCleanupLeavesFreshActiveTracesAlone(t *testing.T) {
	s := NewStore(WithMaxTraceAge(time.Hour))
	tc := s.StartTrace("job", "task", nil)

	if n := s.Cleanup(context.Background()); n != 0 {
		t.Fatalf("expected 0 reaped, got %d", n)
	}
	if _, ok := s.GetTrace(tc.TraceID); !ok {
		t.Fatalf("expected trace still active")
	}
}

func TestTraceparentRoundTrip(t *testing.T) {
	traceID := NewTraceID()
	spanID := NewSpanID()
	header := Traceparent(traceID, spanID)

	gotTrace, gotSpan, err := ParseTraceparent(header)
	if err != nil {
		t.Fatalf("ParseTraceparent: %v", err)
	}
	if gotTrace != traceID || gotSpan != spanID {
		t.Fatalf("round trip mismatch: got (%s, %s), want (%s, %s)", gotTrace, gotSpan, traceID, spanID)
	}
}

func TestParseTraceparentRejectsMalformedHeaders(t *testing.T) {
	cases := []string{
		"",
		"00-abc-def-01",
		"01-" + NewTraceID() + "-" + NewSpanID() + "-01extra",
		"00-zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz-" + NewSpanID() + "-01",
	}
	for _, c := range cases {
		if _, _, err := ParseTraceparent(c); err == nil {
			t.Fatalf("expected error for malformed header %q", c)
		}
	}
}

func TestSearchTracesFiltersByDimensionsAndDuration(t *testing.T) {
	s := NewStore()

	tc1 := s.StartTrace("chat", "completion", nil)
	trace1, _ := s.GetTrace(tc1.TraceID)
	trace1.Provider = "openai"
	trace1.TenantID = "tenant-a"
	if err := s.EndTrace(tc1); err != nil {
		t.Fatalf("EndTrace: %v", err)
	}

	tc2 := s.StartTrace("video", "video_generation", nil)
	trace2, _ := s.GetTrace(tc2.TraceID)
	trace2.Provider = "runway"
	trace2.TenantID = "tenant-b"
	if err := s.EndTrace(tc2); err != nil {
		t.Fatalf("EndTrace: %v", err)
	}

	byProvider := s.SearchTraces(SearchQuery{Provider: "openai"})
	if len(byProvider) != 1 || byProvider[0].ID != tc1.TraceID {
		t.Fatalf("expected provider filter to return only trace1, got %d results", len(byProvider))
	}

	byTenant := s.SearchTraces(SearchQuery{TenantID: "tenant-b"})
	if len(byTenant) != 1 || byTenant[0].ID != tc2.TraceID {
		t.Fatalf("expected tenant filter to return only trace2, got %d results", len(byTenant))
	}

	byOp := s.SearchTraces(SearchQuery{OperationType: "video_generation"})
	if len(byOp) != 1 || byOp[0].ID != tc2.TraceID {
		t.Fatalf("expected operation type filter to return only trace2, got %d results", len(byOp))
	}

	byMaxDuration := s.SearchTraces(SearchQuery{MaxDuration: 0})
	if len(byMaxDuration) < 2 {
		t.Fatalf("expected unset MaxDuration to not filter anything, got %d", len(byMaxDuration))
	}

	none := s.SearchTraces(SearchQuery{Provider: "anthropic"})
	if len(none) != 0 {
		t.Fatalf("expected no matches for unknown provider, got %d", len(none))
	}
}

func TestSearchTracesLimitAndOrdering(t *testing.T) {
	s := NewStore()
	var ids []string
	for i := 0; i < 5; i++ {
		tc := s.StartTrace("job", "task", nil)
		ids = append(ids, tc.TraceID)
		if err := s.EndTrace(tc); err != nil {
			t.Fatalf("EndTrace: %v", err)
		}
	}

	results := s.SearchTraces(SearchQuery{Limit: 2})
	if len(results) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(results))
	}
}

func TestGetStatisticsComputesPercentilesAndBreakdowns(t *testing.T) {
	s := NewStore()
	now := time.Now()

	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 100 * time.Millisecond}
	for i, d := range durations {
		tc := s.StartTrace("job", "completion", nil)
		trace, _ := s.GetTrace(tc.TraceID)
		trace.Provider = "openai"
		trace.StartedAt = now
		trace.Spans[0].StartedAt = now
		if i == len(durations)-1 {
			trace.Status = StatusError
		}
		if err := s.EndTrace(tc); err != nil {
			t.Fatalf("EndTrace: %v", err)
		}
		trace, _ = s.GetTrace(tc.TraceID)
		trace.EndedAt = now.Add(d)
	}

	stats := s.GetStatistics(time.Time{}, time.Time{})
	if stats.Count != 4 {
		t.Fatalf("expected count 4, got %d", stats.Count)
	}
	if stats.ByOperation["completion"] != 4 {
		t.Fatalf("expected 4 completion traces, got %d", stats.ByOperation["completion"])
	}
	if stats.ByProvider["openai"] != 4 {
		t.Fatalf("expected 4 openai traces, got %d", stats.ByProvider["openai"])
	}
	if stats.ErrorCount != 1 {
		t.Fatalf("expected 1 error trace, got %d", stats.ErrorCount)
	}
	if stats.P99Ms < stats.P95Ms {
		t.Fatalf("expected p99 >= p95, got p95=%v p99=%v", stats.P95Ms, stats.P99Ms)
	}
	if len(stats.Timeline) == 0 {
		t.Fatalf("expected at least one timeline bucket")
	}
}

func TestGetStatisticsRespectsTimeWindow(t *testing.T) {
	s := NewStore()
	tc := s.StartTrace("job", "task", nil)
	if err := s.EndTrace(tc); err != nil {
		t.Fatalf("EndTrace: %v", err)
	}

	future := time.Now().Add(time.Hour)
	stats := s.GetStatistics(future, future.Add(time.Hour))
	if stats.Count != 0 {
		t.Fatalf("expected 0 traces in a future window, got %d", stats.Count)
	}
}
