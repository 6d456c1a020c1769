package workload

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// maxLatencyMicros is the histogram ceiling. Latencies beyond it are
// clamped rather than dropped.
var maxLatencyMicros = int64(10 * time.Minute / time.Microsecond)

// LatencyTracker records per-transaction latencies. The atomic sum and
// count support cheap interval means for the stats aggregator; the
// histogram, guarded by a mutex, supplies run-cumulative percentiles.
type LatencyTracker struct {
	sumMicros atomic.Int64
	count     atomic.Int64

	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// LatencySummary is a point-in-time view of recorded latencies.
type LatencySummary struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

func NewLatencyTracker() *LatencyTracker {
	// 1us resolution up to 10min, 3 significant figures.
	return &LatencyTracker{hist: hdrhistogram.New(1, maxLatencyMicros, 3)}
}

func (t *LatencyTracker) Record(d time.Duration) {
	micros := d.Microseconds()
	if micros < 0 {
		micros = 0
	}
	if micros > maxLatencyMicros {
		micros = maxLatencyMicros
	}
	t.sumMicros.Add(micros)
	t.count.Add(1)
	t.mu.Lock()
	_ = t.hist.RecordValue(micros)
	t.mu.Unlock()
}

// Cumulative returns the running sum of recorded latencies in
// microseconds and the number of recordings. Consumers diff successive
// reads to derive interval means.
func (t *LatencyTracker) Cumulative() (sumMicros int64, count int64) {
	return t.sumMicros.Load(), t.count.Load()
}

// Mean returns the mean latency over the whole run.
func (t *LatencyTracker) Mean() time.Duration {
	sum, count := t.Cumulative()
	if count == 0 {
		return 0
	}
	return time.Duration(sum/count) * time.Microsecond
}

func (t *LatencyTracker) Summary() LatencySummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return LatencySummary{
		Count: t.hist.TotalCount(),
		Mean:  time.Duration(t.hist.Mean()) * time.Microsecond,
		P50:   time.Duration(t.hist.ValueAtQuantile(50)) * time.Microsecond,
		P95:   time.Duration(t.hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:   time.Duration(t.hist.ValueAtQuantile(99)) * time.Microsecond,
		Max:   time.Duration(t.hist.Max()) * time.Microsecond,
	}
}
