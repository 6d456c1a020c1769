// Package stats turns the cumulative counters of a run into periodic
// snapshots with per-interval deltas, transaction rates and latency
// figures. Engines sample on a timer and hand the snapshots to the
// event publisher and the prometheus collector.
package stats

import (
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/contenderproject/contender/internal/contender/workload"
)

// Snapshot is one observation of a run. Cumulative holds the counters
// as of Timestamp; PerSecond holds the change since the previous
// snapshot, clamped to be non-negative.
type Snapshot struct {
	RunID     string        `json:"runId,omitempty"`
	Scenario  string        `json:"scenario"`
	Namespace string        `json:"namespace,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`

	Cumulative workload.Totals `json:"cumulative"`
	PerSecond  workload.Totals `json:"perSecond"`

	// TPS is the transaction rate over the snapshot interval; AvgTPS
	// is the rate over the whole run.
	TPS    float64 `json:"tps"`
	AvgTPS float64 `json:"avgTps"`

	// MeanLatency covers the snapshot interval; Latency is cumulative
	// over the run.
	MeanLatency time.Duration           `json:"meanLatency"`
	Latency     workload.LatencySummary `json:"latency"`
}

// Sampler derives interval deltas for one run state across successive
// Sample calls. It is not safe for concurrent use; each run's stats
// task owns one sampler per state.
type Sampler struct {
	clock clock.Clock

	prevTime         time.Time
	prevTotals       workload.Totals
	prevLatencySum   int64
	prevLatencyCount int64
}

func NewSampler(clk clock.Clock) *Sampler {
	return &Sampler{clock: clk, prevTime: clk.Now()}
}

// Sample reads the state's counters, computes the delta against the
// previous call and rolls the baseline forward. A counter that moved
// backwards (counters were reset underneath the sampler) yields a zero
// delta and an anomaly log line, never a negative one.
func (s *Sampler) Sample(state *workload.RunState) Snapshot {
	now := s.clock.Now()
	elapsed := now.Sub(s.prevTime)
	uptime := now.Sub(state.StartTime)

	cumulative := state.Counters.Totals()
	delta := workload.Totals{
		Inserts:        s.clampDelta(state, "inserts", cumulative.Inserts, s.prevTotals.Inserts),
		Updates:        s.clampDelta(state, "updates", cumulative.Updates, s.prevTotals.Updates),
		Deletes:        s.clampDelta(state, "deletes", cumulative.Deletes, s.prevTotals.Deletes),
		Selects:        s.clampDelta(state, "selects", cumulative.Selects, s.prevTotals.Selects),
		Transactions:   s.clampDelta(state, "transactions", cumulative.Transactions, s.prevTotals.Transactions),
		Errors:         s.clampDelta(state, "errors", cumulative.Errors, s.prevTotals.Errors),
		ExpectedErrors: s.clampDelta(state, "expectedErrors", cumulative.ExpectedErrors, s.prevTotals.ExpectedErrors),
		Invalidations:  s.clampDelta(state, "invalidations", cumulative.Invalidations, s.prevTotals.Invalidations),
	}

	latencySum, latencyCount := state.Latency.Cumulative()
	var meanLatency time.Duration
	if deltaCount := latencyCount - s.prevLatencyCount; deltaCount > 0 {
		if deltaSum := latencySum - s.prevLatencySum; deltaSum > 0 {
			meanLatency = time.Duration(deltaSum/deltaCount) * time.Microsecond
		}
	}

	s.prevTime = now
	s.prevTotals = cumulative
	s.prevLatencySum = latencySum
	s.prevLatencyCount = latencyCount

	return Snapshot{
		RunID:       state.RunID,
		Scenario:    state.Scenario,
		Namespace:   state.Namespace.String(),
		Timestamp:   now,
		Uptime:      uptime,
		Interval:    elapsed,
		Running:     state.Running(),
		Cumulative:  cumulative,
		PerSecond:   delta,
		TPS:         rate(delta.Transactions, elapsed),
		AvgTPS:      rate(cumulative.Transactions, uptime),
		MeanLatency: meanLatency,
		Latency:     state.Latency.Summary(),
	}
}

func (s *Sampler) clampDelta(state *workload.RunState, name string, cur, prev int64) int64 {
	if cur < prev {
		log.WithField("scenario", state.Scenario).
			Warnf("counter %s went backwards (%d -> %d), clamping delta to zero", name, prev, cur)
		return 0
	}
	return cur - prev
}

func rate(count int64, over time.Duration) float64 {
	if over <= 0 {
		return 0
	}
	return float64(count) / over.Seconds()
}

// Aggregate folds per-namespace snapshots into one scenario-wide view.
// Counters and rates are summed; the interval mean latency is weighted
// by each namespace's transaction delta. Run-cumulative percentiles
// cannot be merged from summaries and stay per-namespace.
func Aggregate(scenario string, snapshots []Snapshot) Snapshot {
	combined := Snapshot{Scenario: scenario}
	var latencyWeight int64
	var weightedLatency time.Duration
	for _, snapshot := range snapshots {
		combined.Cumulative = combined.Cumulative.Add(snapshot.Cumulative)
		combined.PerSecond = combined.PerSecond.Add(snapshot.PerSecond)
		combined.TPS += snapshot.TPS
		combined.AvgTPS += snapshot.AvgTPS
		combined.Running = combined.Running || snapshot.Running
		if snapshot.Timestamp.After(combined.Timestamp) {
			combined.Timestamp = snapshot.Timestamp
		}
		if snapshot.Uptime > combined.Uptime {
			combined.Uptime = snapshot.Uptime
		}
		if snapshot.Interval > combined.Interval {
			combined.Interval = snapshot.Interval
		}
		if weight := snapshot.PerSecond.Transactions; weight > 0 {
			latencyWeight += weight
			weightedLatency += time.Duration(weight) * snapshot.MeanLatency
		}
	}
	if latencyWeight > 0 {
		combined.MeanLatency = weightedLatency / time.Duration(latencyWeight)
	}
	return combined
}
