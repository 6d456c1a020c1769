package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/contenderproject/contender/internal/contender/workload"
)

func TestSamplerDeltasAndRates(t *testing.T) {
	testClock := clock.NewFakeClock(time.Now())
	state := workload.NewRunState("mix", "alpha", testClock)
	sampler := NewSampler(testClock)

	state.Counters.Inserts.Add(30)
	state.Counters.Transactions.Add(30)
	state.Latency.Record(2 * time.Millisecond)
	state.Latency.Record(4 * time.Millisecond)

	testClock.Step(2 * time.Second)
	first := sampler.Sample(state)
	assert.Equal(t, int64(30), first.PerSecond.Transactions)
	assert.Equal(t, 15.0, first.TPS)
	assert.Equal(t, 15.0, first.AvgTPS)
	assert.Equal(t, 2*time.Second, first.Interval)
	assert.Equal(t, 2*time.Second, first.Uptime)
	assert.Equal(t, 3*time.Millisecond, first.MeanLatency)
	assert.True(t, first.Running)
	assert.Equal(t, "alpha", first.Namespace)

	state.Counters.Transactions.Add(10)
	testClock.Step(1 * time.Second)
	second := sampler.Sample(state)
	assert.Equal(t, int64(10), second.PerSecond.Transactions)
	assert.Equal(t, 10.0, second.TPS)
	assert.Equal(t, int64(40), second.Cumulative.Transactions)
	// 40 transactions over 3 seconds of uptime.
	assert.InDelta(t, 13.33, second.AvgTPS, 0.01)
	assert.Equal(t, time.Duration(0), second.MeanLatency)
}

func TestSamplerClampsBackwardCounters(t *testing.T) {
	testClock := clock.NewFakeClock(time.Now())
	state := workload.NewRunState("mix", "", testClock)
	sampler := NewSampler(testClock)

	state.Counters.Transactions.Add(100)
	state.Counters.Errors.Add(5)
	testClock.Step(time.Second)
	sampler.Sample(state)

	// A replaced state looks to the sampler like counters that moved
	// backwards.
	replacement := workload.NewRunState("mix", "", testClock)
	replacement.Counters.Transactions.Add(40)
	testClock.Step(time.Second)

	snapshot := sampler.Sample(replacement)
	assert.Zero(t, snapshot.PerSecond.Transactions)
	assert.Zero(t, snapshot.PerSecond.Errors)
	assert.Zero(t, snapshot.TPS)
}

func TestSnapshotsUnderConcurrentWrites(t *testing.T) {
	state := workload.NewRunState("mix", "", clock.RealClock{})
	sampler := NewSampler(clock.RealClock{})

	stop := make(chan struct{})
	wg := &sync.WaitGroup{}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				state.Counters.Transactions.Add(1)
				state.Counters.Inserts.Add(1)
			}
		}()
	}

	prev := sampler.Sample(state)
	for i := 0; i < 50; i++ {
		time.Sleep(time.Millisecond)
		snapshot := sampler.Sample(state)
		assert.GreaterOrEqual(t, snapshot.Cumulative.Transactions, prev.Cumulative.Transactions)
		assert.GreaterOrEqual(t, snapshot.PerSecond.Transactions, int64(0))
		assert.GreaterOrEqual(t, snapshot.PerSecond.Inserts, int64(0))
		prev = snapshot
	}
	close(stop)
	wg.Wait()
}

func TestAggregate(t *testing.T) {
	now := time.Now()
	a := Snapshot{
		Namespace:   "alpha",
		Timestamp:   now,
		Uptime:      10 * time.Second,
		Interval:    time.Second,
		Running:     true,
		Cumulative:  workload.Totals{Transactions: 100, Inserts: 100},
		PerSecond:   workload.Totals{Transactions: 10, Inserts: 10},
		TPS:         10,
		AvgTPS:      10,
		MeanLatency: 2 * time.Millisecond,
	}
	b := Snapshot{
		Namespace:   "beta",
		Timestamp:   now.Add(time.Millisecond),
		Uptime:      5 * time.Second,
		Interval:    time.Second,
		Running:     false,
		Cumulative:  workload.Totals{Transactions: 50, Selects: 50},
		PerSecond:   workload.Totals{Transactions: 30, Selects: 30},
		TPS:         30,
		AvgTPS:      10,
		MeanLatency: 6 * time.Millisecond,
	}

	combined := Aggregate("mix", []Snapshot{a, b})
	assert.Equal(t, "mix", combined.Scenario)
	assert.Equal(t, int64(150), combined.Cumulative.Transactions)
	assert.Equal(t, int64(100), combined.Cumulative.Inserts)
	assert.Equal(t, int64(50), combined.Cumulative.Selects)
	assert.Equal(t, int64(40), combined.PerSecond.Transactions)
	assert.Equal(t, 40.0, combined.TPS)
	assert.Equal(t, 20.0, combined.AvgTPS)
	assert.True(t, combined.Running)
	assert.Equal(t, 10*time.Second, combined.Uptime)
	assert.Equal(t, b.Timestamp, combined.Timestamp)
	// Weighted: (10 x 2ms + 30 x 6ms) / 40 = 5ms.
	assert.Equal(t, 5*time.Millisecond, combined.MeanLatency)

	empty := Aggregate("mix", nil)
	assert.Zero(t, empty.Cumulative)
	assert.False(t, empty.Running)
}
