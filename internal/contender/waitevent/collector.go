package waitevent

import (
	"context"
	"sort"
	"sync"
)

// Event is one line of a report.
type Event struct {
	Instance     string  `json:"instance"`
	Event        string  `json:"event"`
	Waits        int64   `json:"waits"`
	Timeouts     int64   `json:"timeouts"`
	TimeWaitedMs float64 `json:"timeWaitedMs"`
	AvgWaitMs    float64 `json:"avgWaitMs"`
}

// Report holds the wait events of one read, busiest first. Baseline
// reports carry deltas against the captured baseline; otherwise the
// values are raw cumulative counters.
type Report struct {
	Baseline bool    `json:"baseline"`
	Events   []Event `json:"events"`
}

// Collector reads a Source and holds the optional baseline used for
// delta reporting. Safe for concurrent use: the stats task reports
// while control calls reset the baseline.
type Collector struct {
	source Source

	mu       sync.Mutex
	baseline map[Key]Sample
}

func NewCollector(source Source) *Collector {
	return &Collector{source: source}
}

// ResetBaseline captures the current cumulative readings. Subsequent
// reports show activity since this point.
func (c *Collector) ResetBaseline(ctx context.Context) error {
	samples, err := c.source.Read(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.baseline = samples
	c.mu.Unlock()
	return nil
}

// ClearBaseline reverts to raw cumulative reporting.
func (c *Collector) ClearBaseline() {
	c.mu.Lock()
	c.baseline = nil
	c.mu.Unlock()
}

func (c *Collector) HasBaseline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline != nil
}

// Report reads the source and renders either raw cumulative events or,
// when a baseline is set, per-event deltas. Delta fields are clamped
// at zero; events without any waits since the baseline are suppressed.
func (c *Collector) Report(ctx context.Context) (*Report, error) {
	current, err := c.source.Read(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	baseline := c.baseline
	c.mu.Unlock()

	report := &Report{Baseline: baseline != nil}
	for key, sample := range current {
		if baseline != nil {
			sample = deltaSample(sample, baseline[key])
			if sample.Waits <= 0 {
				continue
			}
		}
		report.Events = append(report.Events, Event{
			Instance:     key.Instance,
			Event:        key.Event,
			Waits:        sample.Waits,
			Timeouts:     sample.Timeouts,
			TimeWaitedMs: sample.TimeWaitedMs,
			AvgWaitMs:    avgWait(sample),
		})
	}
	sort.Slice(report.Events, func(i, j int) bool {
		if report.Events[i].TimeWaitedMs != report.Events[j].TimeWaitedMs {
			return report.Events[i].TimeWaitedMs > report.Events[j].TimeWaitedMs
		}
		return report.Events[i].Event < report.Events[j].Event
	})
	return report, nil
}

func deltaSample(current, base Sample) Sample {
	return Sample{
		Waits:        clampInt64(current.Waits - base.Waits),
		Timeouts:     clampInt64(current.Timeouts - base.Timeouts),
		TimeWaitedMs: clampFloat(current.TimeWaitedMs - base.TimeWaitedMs),
	}
}

func avgWait(sample Sample) float64 {
	if sample.Waits <= 0 {
		return 0
	}
	return sample.TimeWaitedMs / float64(sample.Waits)
}

func clampInt64(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func clampFloat(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
