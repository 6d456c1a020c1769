package workload

import (
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/contenderproject/contender/internal/common/util"
	"github.com/contenderproject/contender/internal/contender/namespace"
)

// Counters accumulates per-run operation totals. Workers increment
// them concurrently; reads see a consistent-enough snapshot for
// advisory telemetry.
type Counters struct {
	Inserts        atomic.Int64
	Updates        atomic.Int64
	Deletes        atomic.Int64
	Selects        atomic.Int64
	Transactions   atomic.Int64
	Errors         atomic.Int64
	ExpectedErrors atomic.Int64
	Invalidations  atomic.Int64
}

// ForKind returns the counter matching an operation kind.
func (c *Counters) ForKind(kind Kind) *atomic.Int64 {
	switch kind {
	case KindInsert:
		return &c.Inserts
	case KindUpdate:
		return &c.Updates
	case KindDelete:
		return &c.Deletes
	default:
		return &c.Selects
	}
}

// Totals returns a point-in-time copy of all counters.
func (c *Counters) Totals() Totals {
	return Totals{
		Inserts:        c.Inserts.Load(),
		Updates:        c.Updates.Load(),
		Deletes:        c.Deletes.Load(),
		Selects:        c.Selects.Load(),
		Transactions:   c.Transactions.Load(),
		Errors:         c.Errors.Load(),
		ExpectedErrors: c.ExpectedErrors.Load(),
		Invalidations:  c.Invalidations.Load(),
	}
}

// Totals is an immutable snapshot of Counters.
type Totals struct {
	Inserts        int64 `json:"inserts"`
	Updates        int64 `json:"updates"`
	Deletes        int64 `json:"deletes"`
	Selects        int64 `json:"selects"`
	Transactions   int64 `json:"transactions"`
	Errors         int64 `json:"errors"`
	ExpectedErrors int64 `json:"expectedErrors"`
	Invalidations  int64 `json:"invalidations"`
}

// Add returns the field-wise sum of two snapshots. Engines use it to
// aggregate totals across namespaces.
func (t Totals) Add(other Totals) Totals {
	return Totals{
		Inserts:        t.Inserts + other.Inserts,
		Updates:        t.Updates + other.Updates,
		Deletes:        t.Deletes + other.Deletes,
		Selects:        t.Selects + other.Selects,
		Transactions:   t.Transactions + other.Transactions,
		Errors:         t.Errors + other.Errors,
		ExpectedErrors: t.ExpectedErrors + other.ExpectedErrors,
		Invalidations:  t.Invalidations + other.Invalidations,
	}
}

// RunState is the shared state of one run: identity, the running flag
// workers poll, and the counters they increment. One RunState exists
// per runner, so the transactional mix engine holds one per namespace.
type RunState struct {
	RunID     string
	Scenario  string
	Namespace namespace.Namespace
	StartTime time.Time

	running  atomic.Bool
	Counters Counters
	Latency  *LatencyTracker
}

func NewRunState(scenario string, ns namespace.Namespace, clk clock.Clock) *RunState {
	state := &RunState{
		RunID:     util.NewULID(),
		Scenario:  scenario,
		Namespace: ns,
		StartTime: clk.Now(),
		Latency:   NewLatencyTracker(),
	}
	state.running.Store(true)
	return state
}

// Running reports whether workers bound to this state should keep
// iterating.
func (s *RunState) Running() bool {
	return s.running.Load()
}
