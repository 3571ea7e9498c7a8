package tracing

import (
	"sort"
	"time"
)

// GetTrace looks a trace up by id, checking the active set before the
// completed history.
func (s *Store) GetTrace(id string) (*Trace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trace, ok := s.active[id]; ok {
		return trace, true
	}
	for _, trace := range s.completed {
		if trace.ID == id {
			return trace, true
		}
	}
	return nil, false
}

// SearchQuery filters completed (and, if IncludeActive, in-flight) traces
// (spec §4.K searchTraces filters).
type SearchQuery struct {
	From          time.Time
	To            time.Time
	OperationType string
	Provider      string
	TenantID      string
	MinDuration   time.Duration
	MaxDuration   time.Duration
	Tags          map[string]string
	IncludeActive bool
	Limit         int
}

func (q SearchQuery) matches(t *Trace) bool {
	if !q.From.IsZero() && t.StartedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.StartedAt.After(q.To) {
		return false
	}
	if q.OperationType != "" && t.OperationType != q.OperationType {
		return false
	}
	if q.Provider != "" && t.Provider != q.Provider {
		return false
	}
	if q.TenantID != "" && t.TenantID != q.TenantID {
		return false
	}
	if q.MinDuration > 0 && t.Duration() < q.MinDuration {
		return false
	}
	if q.MaxDuration > 0 && t.Duration() > q.MaxDuration {
		return false
	}
	for k, v := range q.Tags {
		if t.Tags[k] != v {
			return false
		}
	}
	return true
}

// SearchTraces returns completed traces matching q, most recent first, and
// optionally active ones too (active traces have a zero Duration so
// MinDuration/MaxDuration naturally exclude them unless left unset).
func (s *Store) SearchTraces(q SearchQuery) []*Trace {
	s.mu.Lock()
	candidates := make([]*Trace, 0, len(s.completed))
	candidates = append(candidates, s.completed...)
	if q.IncludeActive {
		for _, t := range s.active {
			candidates = append(candidates, t)
		}
	}
	s.mu.Unlock()

	var out []*Trace
	for _, t := range candidates {
		if q.matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// TimelineBucket is one 5-minute bin of a statistics timeline.
type TimelineBucket struct {
	BucketStart time.Time
	Count       int
	ErrorCount  int
}

// Statistics summarizes traces started within [from, to) (spec §4.K
// getStatistics: count, p95/p99 latency, breakdowns, error count, timeline).
type Statistics struct {
	Count       int
	P95Ms       float64
	P99Ms       float64
	ByOperation map[string]int
	ByProvider  map[string]int
	ErrorCount  int
	Timeline    []TimelineBucket
}

const timelineBucketWidth = 5 * time.Minute

// GetStatistics aggregates completed traces started within [from, to).
func (s *Store) GetStatistics(from, to time.Time) Statistics {
	s.mu.Lock()
	completed := make([]*Trace, len(s.completed))
	copy(completed, s.completed)
	s.mu.Unlock()

	stats := Statistics{ByOperation: make(map[string]int), ByProvider: make(map[string]int)}
	var durationsMs []float64
	buckets := make(map[int64]*TimelineBucket)

	for _, t := range completed {
		if !from.IsZero() && t.StartedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !t.StartedAt.Before(to) {
			continue
		}
		stats.Count++
		if t.OperationType != "" {
			stats.ByOperation[t.OperationType]++
		}
		if t.Provider != "" {
			stats.ByProvider[t.Provider]++
		}
		if t.Status == StatusError {
			stats.ErrorCount++
		}
		durationsMs = append(durationsMs, float64(t.Duration().Microseconds())/1000.0)

		bucketKey := t.StartedAt.Truncate(timelineBucketWidth).Unix()
		b, ok := buckets[bucketKey]
		if !ok {
			b = &TimelineBucket{BucketStart: t.StartedAt.Truncate(timelineBucketWidth)}
			buckets[bucketKey] = b
		}
		b.Count++
		if t.Status == StatusError {
			b.ErrorCount++
		}
	}

	sort.Float64s(durationsMs)
	stats.P95Ms = percentile(durationsMs, 0.95)
	stats.P99Ms = percentile(durationsMs, 0.99)

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		stats.Timeline = append(stats.Timeline, *buckets[k])
	}

	return stats
}

// percentile expects sorted ascending values and uses nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
