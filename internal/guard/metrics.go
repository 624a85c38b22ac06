package guard

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPeriod is the fixed reporting period aggregates are bucketed by.
const DefaultPeriod = time.Hour

// Aggregate is one per-handler rollup for a reporting period.
type Aggregate struct {
	Handler        string        `json:"handler"`
	PeriodStart    time.Time     `json:"period_start"`
	CallCount      int64         `json:"call_count"`
	SuccessCount   int64         `json:"success_count"`
	FailureCount   int64         `json:"failure_count"`
	DedupeHitCount int64         `json:"dedupe_hit_count"`
	TotalDuration  time.Duration `json:"total_duration"`
	P50            time.Duration `json:"p50"`
	P95            time.Duration `json:"p95"`
	P99            time.Duration `json:"p99"`
}

type bucket struct {
	calls     int64
	successes int64
	failures  int64
	dedupes   int64
	durations []time.Duration
}

type bucketKey struct {
	handler     string
	periodStart time.Time
}

// Recorder aggregates guarded-call metrics in memory, bucketed per handler
// per reporting period. Flush persists the rollups through a Store so the
// stats surface works across processes.
type Recorder struct {
	mu      sync.Mutex
	period  time.Duration
	buckets map[bucketKey]*bucket
}

// NewRecorder creates a recorder with the given reporting period; zero or
// negative uses DefaultPeriod.
func NewRecorder(period time.Duration) *Recorder {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Recorder{
		period:  period,
		buckets: make(map[bucketKey]*bucket),
	}
}

// Record counts one guarded call. Every call increments the call counter and
// duration sample regardless of whether the inner logic was a cache hit, a
// dedupe skip, or a genuine execution.
func (r *Recorder) Record(handler string, success, dedupeHit bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := bucketKey{handler: handler, periodStart: time.Now().UTC().Truncate(r.period)}
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{}
		r.buckets[key] = b
	}
	b.calls++
	if dedupeHit {
		b.dedupes++
	} else if success {
		b.successes++
	} else {
		b.failures++
	}
	b.durations = append(b.durations, duration)
}

// Snapshot returns the current in-memory aggregates, newest period first.
func (r *Recorder) Snapshot() []Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Aggregate, 0, len(r.buckets))
	for key, b := range r.buckets {
		out = append(out, aggregateBucket(key, b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.After(out[j].PeriodStart)
		}
		return out[i].Handler < out[j].Handler
	})
	return out
}

// Flush persists all aggregates and drops buckets for closed periods.
// The open (current) period stays in memory and is re-flushed with updated
// totals next time.
func (r *Recorder) Flush(ctx context.Context, store *Store) {
	current := time.Now().UTC().Truncate(r.period)

	r.mu.Lock()
	type flushItem struct {
		agg    Aggregate
		closed bool
		key    bucketKey
	}
	items := make([]flushItem, 0, len(r.buckets))
	for key, b := range r.buckets {
		items = append(items, flushItem{
			agg:    aggregateBucket(key, b),
			closed: key.periodStart.Before(current),
			key:    key,
		})
	}
	r.mu.Unlock()

	for _, it := range items {
		if err := store.SaveRollup(ctx, &it.agg); err != nil {
			log.Warn().Err(err).Str("handler", it.agg.Handler).Msg("metric_flush_failed")
			continue
		}
		if it.closed {
			r.mu.Lock()
			delete(r.buckets, it.key)
			r.mu.Unlock()
		}
	}
}

func aggregateBucket(key bucketKey, b *bucket) Aggregate {
	agg := Aggregate{
		Handler:        key.handler,
		PeriodStart:    key.periodStart,
		CallCount:      b.calls,
		SuccessCount:   b.successes,
		FailureCount:   b.failures,
		DedupeHitCount: b.dedupes,
	}
	for _, d := range b.durations {
		agg.TotalDuration += d
	}
	if len(b.durations) > 0 {
		sorted := append([]time.Duration(nil), b.durations...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		agg.P50 = percentile(sorted, 0.50)
		agg.P95 = percentile(sorted, 0.95)
		agg.P99 = percentile(sorted, 0.99)
	}
	return agg
}

// percentile returns the nearest-rank percentile of a sorted sample.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
