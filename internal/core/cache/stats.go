package cache

import (
	"sync"
	"time"
)

// RegionStats is the live snapshot exposed per region (spec §4.B).
type RegionStats struct {
	Hits             int64
	Misses           int64
	Sets             int64
	Removes          int64
	Evictions        int64
	Errors           int64
	AverageGetTime   time.Duration
	EntryCount       int64
	MemoryUsageBytes int64
	StartTime        time.Time
	LastUpdateTime   time.Time
}

type counters struct {
	hits, misses, sets, removes, evictions, errors int64
	getTimeTotal                                   time.Duration
	getTimeSamples                                  int64
	startTime, lastUpdate                          time.Time
}

// StatisticsStore is the separate aggregation/time-series store spec §4.B
// calls for: a "current" live counter set per region, plus per-minute
// buckets and hourly snapshots, grounded on the teacher's
// internal/routing/health.Tracker's sync.Map-cache-plus-periodic-rollup
// idiom (generalized from one SQL-backed gauge to the three-layer scheme
// spec §9 describes as a fallback when a dedicated time-series store is
// unavailable).
type StatisticsStore struct {
	mu      sync.Mutex
	current map[Region]*counters
	minute  map[string]int64 // "<region>:<metric>:<yyyyMMddHHmm>" -> count
	hour    map[string]int64 // "<region>:<metric>:<yyyyMMddHH>" -> count
}

func NewStatisticsStore() *StatisticsStore {
	return &StatisticsStore{
		current: make(map[Region]*counters),
		minute:  make(map[string]int64),
		hour:    make(map[string]int64),
	}
}

func (s *StatisticsStore) entryFor(region Region) *counters {
	c, ok := s.current[region]
	if !ok {
		now := time.Now()
		c = &counters{startTime: now, lastUpdate: now}
		s.current[region] = c
	}
	return c
}

func (s *StatisticsStore) bump(region Region, metric string, f func(*counters)) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.entryFor(region)
	f(c)
	c.lastUpdate = now

	minuteBucket := now.Format("200601021504")
	hourBucket := now.Format("2006010215")
	s.minute[string(region)+":"+metric+":"+minuteBucket]++
	s.hour[string(region)+":"+metric+":"+hourBucket]++
}

func (s *StatisticsStore) RecordHit(region Region)    { s.bump(region, "hits", func(c *counters) { c.hits++ }) }
func (s *StatisticsStore) RecordMiss(region Region)   { s.bump(region, "misses", func(c *counters) { c.misses++ }) }
func (s *StatisticsStore) RecordSet(region Region)    { s.bump(region, "sets", func(c *counters) { c.sets++ }) }
func (s *StatisticsStore) RecordRemove(region Region) { s.bump(region, "removes", func(c *counters) { c.removes++ }) }
func (s *StatisticsStore) RecordEviction(region Region) {
	s.bump(region, "evictions", func(c *counters) { c.evictions++ })
}
func (s *StatisticsStore) RecordError(region Region) { s.bump(region, "errors", func(c *counters) { c.errors++ }) }

func (s *StatisticsStore) RecordGetLatency(region Region, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.entryFor(region)
	c.getTimeTotal += d
	c.getTimeSamples++
	c.lastUpdate = time.Now()
}

// Snapshot returns the current live counters for region.
func (s *StatisticsStore) Snapshot(region Region) RegionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.current[region]
	if !ok {
		return RegionStats{}
	}
	avg := time.Duration(0)
	if c.getTimeSamples > 0 {
		avg = c.getTimeTotal / time.Duration(c.getTimeSamples)
	}
	return RegionStats{
		Hits: c.hits, Misses: c.misses, Sets: c.sets, Removes: c.removes,
		Evictions: c.evictions, Errors: c.errors, AverageGetTime: avg,
		StartTime: c.startTime, LastUpdateTime: c.lastUpdate,
	}
}

// WindowCount sums the per-minute buckets for region+metric between from
// and to (inclusive), treating any gap-minute as zero per the Open
// Question (d) decision recorded in DESIGN.md.
func (s *StatisticsStore) WindowCount(region Region, metric string, from, to time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for t := from.Truncate(time.Minute); !t.After(to); t = t.Add(time.Minute) {
		key := string(region) + ":" + metric + ":" + t.Format("200601021504")
		total += s.minute[key] // zero value if absent: the Open Question (d) behavior
	}
	return total
}

// HitRate computes hits/(hits+misses) over the live window, 1.0 when there
// has been no traffic (avoids false "unhealthy" alerts on an idle region).
func (r RegionStats) HitRate() float64 {
	total := r.Hits + r.Misses
	if total == 0 {
		return 1.0
	}
	return float64(r.Hits) / float64(total)
}
