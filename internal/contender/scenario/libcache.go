package scenario

import (
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/ops"
	"github.com/contenderproject/contender/internal/contender/schema"
	"github.com/contenderproject/contender/internal/contender/waitevent"
	"github.com/contenderproject/contender/internal/contender/workload"
)

const defaultInvalidationInterval = 5 * time.Second

// LibCacheConfig sizes a cache invalidation run: a pool of executors calling
// the busy-work routine while a background task keeps invalidating it.
type LibCacheConfig struct {
	Namespace   namespace.Namespace `yaml:"namespace"`
	Concurrency int                 `yaml:"concurrency"`
	// ThinkTime between routine executions; zero runs executors flat out.
	ThinkTime time.Duration `yaml:"thinkTime"`
	// InvalidationInterval is how often the routine is replaced underneath
	// the executors. Zero picks the default.
	InvalidationInterval time.Duration `yaml:"invalidationInterval"`
}

func (c LibCacheConfig) withDefaults() LibCacheConfig {
	if c.InvalidationInterval <= 0 {
		c.InvalidationInterval = defaultInvalidationInterval
	}
	return c
}

func (c LibCacheConfig) validate() error {
	if _, err := namespace.New(c.Namespace.String()); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return &contendererrors.ErrInvalidConfig{Name: "concurrency", Value: c.Concurrency, Message: "at least one executor is required"}
	}
	if c.ThinkTime < 0 {
		return &contendererrors.ErrInvalidConfig{Name: "thinkTime", Value: c.ThinkTime, Message: "cannot be negative"}
	}
	return nil
}

// LibCacheEngine provokes plan cache invalidation: executors hammer a
// routine that an invalidator task keeps replacing. Executors tripping over
// a replace count expected errors, not failures.
type LibCacheEngine struct {
	services Services

	mu      sync.Mutex
	running bool
	run     *activeRun
	config  LibCacheConfig
}

// NewLibCacheEngine returns a stopped cache invalidation engine.
func NewLibCacheEngine(services Services) *LibCacheEngine {
	return &LibCacheEngine{services: services.withDefaults()}
}

// Start creates the routine and launches the executors and the invalidator.
func (e *LibCacheEngine) Start(ctx context.Context, config LibCacheConfig) error {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return &contendererrors.ErrAlreadyRunning{Scenario: ScenarioLibCache}
	}
	run, err := startRun(ctx, e.services, runSpec{
		scenario:      ScenarioLibCache,
		namespace:     config.Namespace,
		concurrency:   config.Concurrency,
		rates:         workload.Rates{Select: 1},
		thinkTime:     config.ThinkTime,
		ops:           libCacheOps(config.Namespace),
		expectedError: database.IsRoutineInvalidation,
		prepare: func(ctx context.Context, manager *schema.Manager) error {
			return manager.EnsureRoutine(ctx, config.Namespace)
		},
	})
	if err != nil {
		return err
	}
	ns := config.Namespace
	run.tasks.Register(func() { invalidate(run, ns) }, config.InvalidationInterval, "routine_invalidation")
	e.run = run
	e.config = config
	e.running = true
	return nil
}

// Stop drains the executors and closes the run.
func (e *LibCacheEngine) Stop(ctx context.Context) (*FinalStats, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, &contendererrors.ErrNotRunning{Scenario: ScenarioLibCache}
	}
	e.running = false
	run := e.run
	e.run = nil
	e.mu.Unlock()
	return run.teardown(ctx, e.services, ScenarioLibCache), nil
}

// Status reports a point in time view of the run.
func (e *LibCacheEngine) Status() *EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := &EngineStatus{Scenario: ScenarioLibCache}
	if !e.running {
		return status
	}
	fillRunStatus(status, e.run, e.services.Clock, e.config.Namespace, e.config.Concurrency)
	status.InvalidationInterval = e.config.InvalidationInterval
	return status
}

// WaitEvents exposes the run's wait event collector for baseline control.
// Nil when the engine is stopped or sampling is unavailable.
func (e *LibCacheEngine) WaitEvents() *waitevent.Collector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return runWaitEvents(e.running, e.run)
}

// UpdateConfig adjusts the live executors' think time.
func (e *LibCacheEngine) UpdateConfig(update ConfigUpdate) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return &contendererrors.ErrNotRunning{Scenario: ScenarioLibCache}
	}
	runner := e.run.runner
	e.mu.Unlock()
	return applyConfigUpdate(runner, update)
}

// invalidate replaces the routine in place, forcing every cached plan to
// recompile on its next execution.
func invalidate(run *activeRun, ns namespace.Namespace) {
	if err := run.manager.InvalidateRoutine(run.ctx, ns); err != nil {
		if run.ctx.Err() == nil {
			log.WithError(err).Warn("routine invalidation failed")
		}
		return
	}
	run.runner.State().Counters.Invalidations.Add(1)
}

// libCacheOps exposes the routine call as the single select-kind operation.
// The routine takes no parameters, so the per-worker rand is unused.
func libCacheOps(ns namespace.Namespace) map[workload.Kind]workload.Op {
	return map[workload.Kind]workload.Op{
		workload.KindSelect: func(ctx context.Context, tx database.Tx, _ *rand.Rand) error {
			return ops.CallRoutine(ctx, tx, ns)
		},
	}
}
