package engram

import (
	"sync"
	"time"
)

// Counter names with built-in meaning: the cache hit rate in Stats is
// computed from these two.
const (
	CounterCacheHits   = "cache_hits"
	CounterCacheMisses = "cache_misses"
)

// Perf collects named wall-clock timers and counters for observability.
// One mutex guards everything; it is cheap enough for the call rates the
// core produces and keeps Stats consistent.
type Perf struct {
	mu       sync.Mutex
	starts   map[string]time.Time
	timers   map[string][]time.Duration
	counters map[string]int64
}

// NewPerf creates an empty monitor.
func NewPerf() *Perf {
	return &Perf{
		starts:   make(map[string]time.Time),
		timers:   make(map[string][]time.Duration),
		counters: make(map[string]int64),
	}
}

// Start begins (or restarts) the named timer.
func (p *Perf) Start(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts[name] = time.Now()
}

// Stop records the delta since Start and returns it. A Stop without a
// matching Start records nothing.
func (p *Perf) Stop(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	started, ok := p.starts[name]
	if !ok {
		return 0
	}
	delete(p.starts, name)
	d := time.Since(started)
	p.timers[name] = append(p.timers[name], d)
	return d
}

// Observe records an externally measured duration under name.
func (p *Perf) Observe(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers[name] = append(p.timers[name], d)
}

// Increment adds n to the named counter.
func (p *Perf) Increment(name string, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters[name] += n
}

// TimerStats summarizes one timer series.
type TimerStats struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// PerfStats is a consistent snapshot of all timers and counters.
type PerfStats struct {
	Timers       map[string]TimerStats `json:"timers"`
	Counters     map[string]int64      `json:"counters"`
	CacheHitRate float64               `json:"cache_hit_rate"`
}

// Stats returns a snapshot. CacheHitRate is hits/(hits+misses), zero when
// no cache activity was recorded.
func (p *Perf) Stats() PerfStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PerfStats{
		Timers:   make(map[string]TimerStats, len(p.timers)),
		Counters: make(map[string]int64, len(p.counters)),
	}
	for name, samples := range p.timers {
		ts := TimerStats{Count: len(samples)}
		for i, d := range samples {
			ts.Total += d
			if i == 0 || d < ts.Min {
				ts.Min = d
			}
			if d > ts.Max {
				ts.Max = d
			}
		}
		if ts.Count > 0 {
			ts.Avg = ts.Total / time.Duration(ts.Count)
		}
		stats.Timers[name] = ts
	}
	for name, v := range p.counters {
		stats.Counters[name] = v
	}
	hits := p.counters[CounterCacheHits]
	misses := p.counters[CounterCacheMisses]
	if hits+misses > 0 {
		stats.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	return stats
}
