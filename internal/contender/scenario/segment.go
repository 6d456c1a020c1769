package scenario

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/ops"
	"github.com/contenderproject/contender/internal/contender/schema"
	"github.com/contenderproject/contender/internal/contender/waitevent"
	"github.com/contenderproject/contender/internal/contender/workload"
)

// SegmentConfig sizes a storage extension run: wide-row inserters against a
// table prepared under one allocation policy.
type SegmentConfig struct {
	Namespace   namespace.Namespace `yaml:"namespace"`
	Concurrency int                 `yaml:"concurrency"`
	ThinkTime   time.Duration       `yaml:"thinkTime"`
	// Policy fixes how the table's storage is prepared. It cannot change for
	// the lifetime of the table; empty means none.
	Policy schema.AllocationPolicy `yaml:"policy"`
	// Count tunes the policy: filler rows to pre-extend with, or hash
	// partitions. Zero picks the policy's default.
	Count int `yaml:"count"`
}

func (c SegmentConfig) withDefaults() SegmentConfig {
	if c.Policy == "" {
		c.Policy = schema.AllocationNone
	}
	return c
}

func (c SegmentConfig) validate() error {
	if _, err := namespace.New(c.Namespace.String()); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return &contendererrors.ErrInvalidConfig{Name: "concurrency", Value: c.Concurrency, Message: "at least one worker is required"}
	}
	if c.ThinkTime < 0 {
		return &contendererrors.ErrInvalidConfig{Name: "thinkTime", Value: c.ThinkTime, Message: "cannot be negative"}
	}
	if c.Count < 0 {
		return &contendererrors.ErrInvalidConfig{Name: "count", Value: c.Count, Message: "cannot be negative"}
	}
	_, err := schema.ParseAllocationPolicy(string(c.Policy))
	return err
}

// SegmentEngine appends wide rows so the segment table keeps extending its
// storage, and gathers column statistics on demand.
type SegmentEngine struct {
	services Services

	mu      sync.Mutex
	running bool
	run     *activeRun
	config  SegmentConfig
}

// NewSegmentEngine returns a stopped segment contention engine.
func NewSegmentEngine(services Services) *SegmentEngine {
	return &SegmentEngine{services: services.withDefaults()}
}

// Start prepares the segment table under the configured allocation policy
// and launches the inserters.
func (e *SegmentEngine) Start(ctx context.Context, config SegmentConfig) error {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return &contendererrors.ErrAlreadyRunning{Scenario: ScenarioSegment}
	}
	run, err := startRun(ctx, e.services, runSpec{
		scenario:    ScenarioSegment,
		namespace:   config.Namespace,
		concurrency: config.Concurrency,
		rates:       workload.Rates{Insert: 1},
		thinkTime:   config.ThinkTime,
		ops:         segmentOps(config.Namespace),
		prepare: func(ctx context.Context, manager *schema.Manager) error {
			return manager.EnsureSegmentObjects(ctx, config.Namespace, config.Policy, config.Count)
		},
	})
	if err != nil {
		return err
	}
	e.run = run
	e.config = config
	e.running = true
	return nil
}

// Stop drains the inserters and closes the run.
func (e *SegmentEngine) Stop(ctx context.Context) (*FinalStats, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, &contendererrors.ErrNotRunning{Scenario: ScenarioSegment}
	}
	e.running = false
	run := e.run
	e.run = nil
	e.mu.Unlock()
	return run.teardown(ctx, e.services, ScenarioSegment), nil
}

// GatherStats runs a statistics pass over a table in the given namespace and
// reports the histogram metadata it produced. It works against the running
// pool when the engine is live, and opens a short-lived pool otherwise, so
// statistics can be inspected with or without load.
func (e *SegmentEngine) GatherStats(ctx context.Context, ns namespace.Namespace, spec schema.GatherStatsSpec) (*schema.StatsReport, error) {
	e.mu.Lock()
	if e.running {
		manager := e.run.manager
		e.mu.Unlock()
		return manager.GatherStats(ctx, ns, spec)
	}
	e.mu.Unlock()

	if e.services.OpenPool == nil {
		return nil, &contendererrors.ErrInvalidConfig{Name: "pool", Message: "no pool opener is configured"}
	}
	pool, err := e.services.OpenPool(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "opening a pool for statistics gathering")
	}
	defer pool.Close()
	return schema.NewManager(pool).GatherStats(ctx, ns, spec)
}

// Status reports a point in time view of the run.
func (e *SegmentEngine) Status() *EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := &EngineStatus{Scenario: ScenarioSegment}
	if !e.running {
		return status
	}
	fillRunStatus(status, e.run, e.services.Clock, e.config.Namespace, e.config.Concurrency)
	status.Policy = e.config.Policy
	return status
}

// WaitEvents exposes the run's wait event collector for baseline control.
// Nil when the engine is stopped or sampling is unavailable.
func (e *SegmentEngine) WaitEvents() *waitevent.Collector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return runWaitEvents(e.running, e.run)
}

// UpdateConfig adjusts the live inserters' think time.
func (e *SegmentEngine) UpdateConfig(update ConfigUpdate) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return &contendererrors.ErrNotRunning{Scenario: ScenarioSegment}
	}
	runner := e.run.runner
	e.mu.Unlock()
	return applyConfigUpdate(runner, update)
}

// segmentOps exposes the single wide-row insert operation.
func segmentOps(ns namespace.Namespace) map[workload.Kind]workload.Op {
	return map[workload.Kind]workload.Op{
		workload.KindInsert: func(ctx context.Context, tx database.Tx, rnd *rand.Rand) error {
			return ops.InsertSegmentRow(ctx, tx, ns, rnd)
		},
	}
}
