package scenario

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/common/task"
	"github.com/contenderproject/contender/internal/common/util"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/event"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/ops"
	"github.com/contenderproject/contender/internal/contender/schema"
	"github.com/contenderproject/contender/internal/contender/stats"
	"github.com/contenderproject/contender/internal/contender/waitevent"
	"github.com/contenderproject/contender/internal/contender/workload"
)

// defaultSeedRows is how many rows each namespace's table is seeded with
// when the config does not say otherwise. Updates, deletes and selects
// target this id range.
const defaultSeedRows = 10000

// MixConfig declares the namespaces a transactional mix run drives. Each
// namespace gets its own seeded table, worker pool and operation rates.
type MixConfig struct {
	Namespaces []NamespaceConfig `yaml:"namespaces"`
}

// NamespaceConfig sizes the workload of one namespace.
type NamespaceConfig struct {
	Namespace   namespace.Namespace `yaml:"namespace"`
	Concurrency int                 `yaml:"concurrency"`
	Rates       workload.Rates      `yaml:"rates"`
	ThinkTime   time.Duration       `yaml:"thinkTime"`
	SeedRows    int64               `yaml:"seedRows"`
}

func (c MixConfig) withDefaults() MixConfig {
	namespaces := make([]NamespaceConfig, len(c.Namespaces))
	for i, nsConfig := range c.Namespaces {
		namespaces[i] = nsConfig.withDefaults()
	}
	c.Namespaces = namespaces
	return c
}

func (c MixConfig) validate() error {
	if len(c.Namespaces) == 0 {
		return &contendererrors.ErrInvalidConfig{Name: "namespaces", Message: "at least one namespace is required"}
	}
	var result *multierror.Error
	seen := map[namespace.Namespace]bool{}
	for _, nsConfig := range c.Namespaces {
		if seen[nsConfig.Namespace] {
			result = multierror.Append(result, &contendererrors.ErrInvalidConfig{
				Name:    "namespace",
				Value:   nsConfig.Namespace.String(),
				Message: "listed more than once",
			})
			continue
		}
		seen[nsConfig.Namespace] = true
		if err := nsConfig.validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c MixConfig) workers() int {
	total := 0
	for _, nsConfig := range c.Namespaces {
		total += nsConfig.Concurrency
	}
	return total
}

func (c NamespaceConfig) withDefaults() NamespaceConfig {
	if c.SeedRows == 0 {
		c.SeedRows = defaultSeedRows
	}
	return c
}

func (c NamespaceConfig) validate() error {
	if _, err := namespace.New(c.Namespace.String()); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return &contendererrors.ErrInvalidConfig{Name: "concurrency", Value: c.Concurrency, Message: "at least one worker is required"}
	}
	if c.ThinkTime < 0 {
		return &contendererrors.ErrInvalidConfig{Name: "thinkTime", Value: c.ThinkTime, Message: "cannot be negative"}
	}
	if c.SeedRows < 0 {
		return &contendererrors.ErrInvalidConfig{Name: "seedRows", Value: c.SeedRows, Message: "cannot be negative"}
	}
	return c.Rates.Validate()
}

// MixMetrics is the metrics event payload of a mix run: the combined
// snapshot plus the per-namespace breakdown it was folded from.
type MixMetrics struct {
	Combined   stats.Snapshot   `json:"combined"`
	Namespaces []stats.Snapshot `json:"namespaces"`
}

// MixEngine drives weighted CRUD transactions against any number of
// namespaces sharing one pool. Namespaces can join and leave while the run
// is live.
type MixEngine struct {
	services Services

	mu         sync.Mutex
	running    bool
	runID      string
	startTime  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	pool       database.Pool
	manager    *schema.Manager
	tasks      *task.BackgroundTaskManager
	waitEvents *waitevent.Collector
	runners    map[namespace.Namespace]*workload.Runner
	samplers   map[namespace.Namespace]*stats.Sampler
	configs    map[namespace.Namespace]NamespaceConfig
	retired    map[string]NamespaceFinalStats
}

// NewMixEngine returns a stopped transactional mix engine.
func NewMixEngine(services Services) *MixEngine {
	return &MixEngine{services: services.withDefaults()}
}

// Start opens the pool, seeds every namespace's objects and launches their
// runners. Nothing is left running if any namespace fails to come up.
func (e *MixEngine) Start(ctx context.Context, config MixConfig) error {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return &contendererrors.ErrAlreadyRunning{Scenario: ScenarioMix}
	}

	runID := util.NewULID()
	publishStatus(ctx, e.services, ScenarioMix, runID, event.PhaseStarting,
		fmt.Sprintf("preparing %d namespaces", len(config.Namespaces)), nil)
	pool, err := openScenarioPool(ctx, e.services, config.workers())
	if err != nil {
		publishStatus(ctx, e.services, ScenarioMix, runID, event.PhaseError, err.Error(), nil)
		return err
	}
	// Namespaces touch disjoint objects, so they are seeded in parallel.
	manager := schema.NewManager(pool)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, nsConfig := range config.Namespaces {
		nsConfig := nsConfig
		group.Go(func() error {
			if err := manager.EnsureMixObjects(groupCtx, nsConfig.Namespace, nsConfig.SeedRows); err != nil {
				return errors.WithMessagef(err, "preparing namespace %q", nsConfig.Namespace)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		pool.Close()
		publishStatus(ctx, e.services, ScenarioMix, runID, event.PhaseError, err.Error(), nil)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	runners := make(map[namespace.Namespace]*workload.Runner, len(config.Namespaces))
	samplers := make(map[namespace.Namespace]*stats.Sampler, len(config.Namespaces))
	configs := make(map[namespace.Namespace]NamespaceConfig, len(config.Namespaces))
	for _, nsConfig := range config.Namespaces {
		runner, err := startMixRunner(runCtx, e.services, pool, nsConfig)
		if err != nil {
			for _, started := range runners {
				started.Stop(ctx)
			}
			cancel()
			pool.Close()
			publishStatus(ctx, e.services, ScenarioMix, runID, event.PhaseError, err.Error(), nil)
			return err
		}
		runners[nsConfig.Namespace] = runner
		samplers[nsConfig.Namespace] = stats.NewSampler(e.services.Clock)
		configs[nsConfig.Namespace] = nsConfig
	}

	e.running = true
	e.runID = runID
	e.startTime = e.services.Clock.Now()
	e.ctx = runCtx
	e.cancel = cancel
	e.pool = pool
	e.manager = manager
	e.tasks = task.NewBackgroundTaskManager(ScenarioMix + "_")
	e.waitEvents = newWaitEventCollector(ctx, e.services, pool, ScenarioMix)
	e.runners = runners
	e.samplers = samplers
	e.configs = configs
	e.retired = map[string]NamespaceFinalStats{}

	e.tasks.Register(func() { e.publishWorkloadMetrics(runCtx) }, e.services.Stats.WorkloadInterval, "workload_metrics")
	registerWaitEventReports(runCtx, e.services, e.tasks, ScenarioMix, runID, e.waitEvents)
	publishStatus(ctx, e.services, ScenarioMix, runID, event.PhaseRunning,
		fmt.Sprintf("%d workers across %d namespaces", config.workers(), len(config.Namespaces)), pool)
	return nil
}

// AddNamespace brings one more namespace into a running mix, seeding its
// schema and starting its workers without disturbing the others.
func (e *MixEngine) AddNamespace(ctx context.Context, config NamespaceConfig) error {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return &contendererrors.ErrNotRunning{Scenario: ScenarioMix}
	}
	if _, exists := e.runners[config.Namespace]; exists {
		return &contendererrors.ErrAlreadyRunning{Scenario: ScenarioMix, Namespace: config.Namespace.String()}
	}
	if err := checkPoolCeiling(e.pool, e.workers()+config.Concurrency); err != nil {
		return err
	}
	if err := e.manager.EnsureMixObjects(ctx, config.Namespace, config.SeedRows); err != nil {
		return errors.WithMessagef(err, "preparing namespace %q", config.Namespace)
	}
	runner, err := startMixRunner(e.ctx, e.services, e.pool, config)
	if err != nil {
		return err
	}
	e.runners[config.Namespace] = runner
	e.samplers[config.Namespace] = stats.NewSampler(e.services.Clock)
	e.configs[config.Namespace] = config
	publishStatus(ctx, e.services, ScenarioMix, e.runID, event.PhaseRunning,
		fmt.Sprintf("namespace %q joined with %d workers", config.Namespace, config.Concurrency), e.pool)
	return nil
}

// StopNamespace drains one namespace's workers and reports what they did.
// Stopping the last namespace ends the whole run.
func (e *MixEngine) StopNamespace(ctx context.Context, ns namespace.Namespace) (*NamespaceFinalStats, error) {
	e.mu.Lock()
	runner, ok := e.runners[ns]
	if !e.running || !ok {
		e.mu.Unlock()
		return nil, &contendererrors.ErrNotRunning{Scenario: ScenarioMix, Namespace: ns.String()}
	}
	if len(e.runners) == 1 {
		e.mu.Unlock()
		final, err := e.Stop(ctx)
		if err != nil {
			return nil, err
		}
		nsFinal := final.Namespaces[ns.String()]
		return &nsFinal, nil
	}
	// The runner drains under the engine lock so a concurrent Stop cannot
	// see it half removed.
	delete(e.runners, ns)
	delete(e.samplers, ns)
	delete(e.configs, ns)
	nsFinal := finalNamespaceStats(ctx, runner, e.services.Clock)
	e.retired[ns.String()] = nsFinal
	runID, pool := e.runID, e.pool
	e.mu.Unlock()

	publishStatus(ctx, e.services, ScenarioMix, runID, event.PhaseRunning,
		fmt.Sprintf("namespace %q stopped", ns), pool)
	return &nsFinal, nil
}

// Stop drains every namespace, tears the run down and reports combined and
// per-namespace finals, including namespaces stopped earlier in the run.
func (e *MixEngine) Stop(ctx context.Context) (*FinalStats, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, &contendererrors.ErrNotRunning{Scenario: ScenarioMix}
	}
	e.running = false
	runID, startTime := e.runID, e.startTime
	pool, tasks, cancel := e.pool, e.tasks, e.cancel
	runners, retired := e.runners, e.retired
	e.runners, e.samplers, e.configs, e.retired = nil, nil, nil, nil
	e.waitEvents = nil
	e.mu.Unlock()

	if tasks.StopAll(taskStopTimeout) {
		log.Warn("mix telemetry tasks did not stop in time")
	}
	for ns, runner := range runners {
		retired[ns.String()] = finalNamespaceStats(ctx, runner, e.services.Clock)
	}
	cancel()
	pool.Close()

	totals, latency := mergeNamespaceStats(retired)
	final := &FinalStats{
		RunID:      runID,
		Scenario:   ScenarioMix,
		Runtime:    e.services.Clock.Since(startTime),
		Totals:     totals,
		Latency:    latency,
		Namespaces: retired,
	}
	publishStopped(ctx, e.services, ScenarioMix, runID, final)
	return final, nil
}

// UpdateConfig applies rate or think time changes to one namespace's live
// runner. Worker counts are fixed for the lifetime of a run.
func (e *MixEngine) UpdateConfig(ns namespace.Namespace, update ConfigUpdate) error {
	e.mu.Lock()
	runner, ok := e.runners[ns]
	e.mu.Unlock()
	if !ok {
		return &contendererrors.ErrNotRunning{Scenario: ScenarioMix, Namespace: ns.String()}
	}
	return applyConfigUpdate(runner, update)
}

// Status reports a point in time view of the run. A stopped engine reports
// only the scenario name.
func (e *MixEngine) Status() *EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := &EngineStatus{Scenario: ScenarioMix}
	if !e.running {
		return status
	}
	status.Running = true
	status.RunID = e.runID
	status.Uptime = e.services.Clock.Since(e.startTime)
	status.Pool = e.pool.Stat()
	for ns, runner := range e.runners {
		state := runner.State()
		totals := runner.Totals()
		status.Totals = status.Totals.Add(totals)
		status.Namespaces = append(status.Namespaces, NamespaceStatus{
			Namespace:   ns.String(),
			RunID:       state.RunID,
			Concurrency: e.configs[ns].Concurrency,
			Rates:       runner.Rates(),
			ThinkTime:   runner.ThinkTime(),
			Totals:      totals,
		})
	}
	slices.SortFunc(status.Namespaces, func(a, b NamespaceStatus) bool {
		return a.Namespace < b.Namespace
	})
	return status
}

// WaitEvents exposes the run's wait event collector for baseline control.
// Nil when the engine is stopped or sampling is unavailable.
func (e *MixEngine) WaitEvents() *waitevent.Collector {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	return e.waitEvents
}

func (e *MixEngine) workers() int {
	total := 0
	for _, config := range e.configs {
		total += config.Concurrency
	}
	return total
}

// publishWorkloadMetrics samples every live namespace and publishes the
// combined view. Sampling happens outside the engine lock; each sampler is
// only ever touched by this task.
func (e *MixEngine) publishWorkloadMetrics(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	runID := e.runID
	type pair struct {
		state   *workload.RunState
		sampler *stats.Sampler
	}
	pairs := make([]pair, 0, len(e.runners))
	for ns, runner := range e.runners {
		pairs = append(pairs, pair{state: runner.State(), sampler: e.samplers[ns]})
	}
	e.mu.Unlock()

	snapshots := make([]stats.Snapshot, 0, len(pairs))
	for _, p := range pairs {
		snapshots = append(snapshots, p.sampler.Sample(p.state))
	}
	slices.SortFunc(snapshots, func(a, b stats.Snapshot) bool { return a.Namespace < b.Namespace })
	e.services.Publisher.Publish(ctx, event.Event{
		Type:      event.TypeMetrics,
		Scenario:  ScenarioMix,
		RunID:     runID,
		Timestamp: e.services.Clock.Now(),
		Payload:   MixMetrics{Combined: stats.Aggregate(ScenarioMix, snapshots), Namespaces: snapshots},
	})
}

func startMixRunner(ctx context.Context, services Services, pool database.Pool, config NamespaceConfig) (*workload.Runner, error) {
	return workload.StartRunner(ctx, workload.RunnerConfig{
		Scenario:     ScenarioMix,
		Namespace:    config.Namespace,
		Concurrency:  config.Concurrency,
		Rates:        config.Rates,
		ThinkTime:    config.ThinkTime,
		DrainTimeout: services.Workload.DrainTimeout,
		Pool:         pool,
		Ops:          mixOps(config.Namespace, config.SeedRows),
		Clock:        services.Clock,
	})
}

// mixOps binds the four CRUD operations to one namespace. Updates, deletes
// and selects target the seeded id range so they keep hitting rows even as
// inserts extend the table.
func mixOps(ns namespace.Namespace, seedRows int64) map[workload.Kind]workload.Op {
	return map[workload.Kind]workload.Op{
		workload.KindInsert: func(ctx context.Context, tx database.Tx, rnd *rand.Rand) error {
			return ops.InsertMixRow(ctx, tx, ns, rnd)
		},
		workload.KindUpdate: func(ctx context.Context, tx database.Tx, rnd *rand.Rand) error {
			return ops.UpdateMixRow(ctx, tx, ns, rnd, seedRows)
		},
		workload.KindDelete: func(ctx context.Context, tx database.Tx, rnd *rand.Rand) error {
			return ops.DeleteMixRow(ctx, tx, ns, rnd, seedRows)
		},
		workload.KindSelect: func(ctx context.Context, tx database.Tx, rnd *rand.Rand) error {
			return ops.SelectMixRow(ctx, tx, ns, rnd, seedRows)
		},
	}
}
