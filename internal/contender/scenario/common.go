// Package scenario contains the engines driving the four contention
// scenarios. An engine owns everything belonging to one active run: the
// connection pool it opened, the schema objects it ensured, its workload
// runners and the background tasks publishing metric, wait event and
// lifecycle events. Engines are safe for concurrent use; control calls
// against a stopped engine return *contendererrors.ErrNotRunning.
package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/common/task"
	"github.com/contenderproject/contender/internal/common/util"
	"github.com/contenderproject/contender/internal/contender/configuration"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/event"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/schema"
	"github.com/contenderproject/contender/internal/contender/stats"
	"github.com/contenderproject/contender/internal/contender/waitevent"
	"github.com/contenderproject/contender/internal/contender/workload"
)

// Scenario names as they appear in telemetry and errors.
const (
	ScenarioMix      = "mix"
	ScenarioHotIndex = "hotindex"
	ScenarioLibCache = "libcache"
	ScenarioSegment  = "segment"
)

const (
	defaultWorkloadInterval  = time.Second
	defaultWaitEventInterval = 5 * time.Second
	taskStopTimeout          = 5 * time.Second
)

// PoolOpener opens a connection pool against the target database. Engines
// call it once per run and own the pool they get back.
type PoolOpener func(ctx context.Context) (database.Pool, error)

// Services bundles the collaborators every engine shares. The zero value of
// everything but OpenPool is usable; defaults are filled in by the engine
// constructors.
type Services struct {
	OpenPool PoolOpener
	// Publisher receives telemetry events; nil falls back to log output.
	Publisher event.Publisher
	// Workload, Stats and WaitEvents tune worker draining, telemetry cadence
	// and the wait event source.
	Workload   configuration.WorkloadConfig
	Stats      configuration.StatsConfig
	WaitEvents configuration.WaitEventsConfig
	// Clock is swapped for a fake in tests.
	Clock clock.Clock
}

func (s Services) withDefaults() Services {
	if s.Publisher == nil {
		s.Publisher = event.LogPublisher{}
	}
	if s.Stats.WorkloadInterval <= 0 {
		s.Stats.WorkloadInterval = defaultWorkloadInterval
	}
	if s.Stats.WaitEventInterval <= 0 {
		s.Stats.WaitEventInterval = defaultWaitEventInterval
	}
	if s.Clock == nil {
		s.Clock = clock.RealClock{}
	}
	return s
}

// FinalStats is what a run leaves behind once stopped. For multi-namespace
// runs the top level latency carries only Count and Mean; percentiles cannot
// be combined across histograms and stay with their namespace.
type FinalStats struct {
	RunID      string                         `json:"runId"`
	Scenario   string                         `json:"scenario"`
	Runtime    time.Duration                  `json:"runtime"`
	Totals     workload.Totals                `json:"totals"`
	Latency    workload.LatencySummary        `json:"latency"`
	Namespaces map[string]NamespaceFinalStats `json:"namespaces,omitempty"`
}

// NamespaceFinalStats is the share of one namespace in a run's finals.
type NamespaceFinalStats struct {
	Runtime time.Duration           `json:"runtime"`
	Totals  workload.Totals         `json:"totals"`
	Latency workload.LatencySummary `json:"latency"`
}

// EngineStatus is a point in time view of an engine. Scenario-specific
// fields are only filled by the engine they belong to.
type EngineStatus struct {
	Scenario             string                  `json:"scenario"`
	Running              bool                    `json:"running"`
	RunID                string                  `json:"runId,omitempty"`
	Uptime               time.Duration           `json:"uptime,omitempty"`
	Pool                 database.Stat           `json:"pool"`
	Totals               workload.Totals         `json:"totals"`
	Strategy             schema.IndexStrategy    `json:"indexStrategy,omitempty"`
	SequenceCache        int                     `json:"sequenceCache,omitempty"`
	Policy               schema.AllocationPolicy `json:"allocationPolicy,omitempty"`
	InvalidationInterval time.Duration           `json:"invalidationInterval,omitempty"`
	Namespaces           []NamespaceStatus       `json:"namespaces,omitempty"`
}

// NamespaceStatus describes one live runner.
type NamespaceStatus struct {
	Namespace   string          `json:"namespace"`
	RunID       string          `json:"runId"`
	Concurrency int             `json:"concurrency"`
	Rates       workload.Rates  `json:"rates"`
	ThinkTime   time.Duration   `json:"thinkTime"`
	Totals      workload.Totals `json:"totals"`
}

// ConfigUpdate carries the parts of a workload that can change mid-run. Nil
// fields are left untouched.
type ConfigUpdate struct {
	Rates     *workload.Rates `json:"rates,omitempty"`
	ThinkTime *time.Duration  `json:"thinkTime,omitempty"`
}

// applyConfigUpdate pushes the non-nil parts of an update into a live runner.
// Rates are applied first; a rejected rate change leaves think time untouched.
func applyConfigUpdate(runner *workload.Runner, update ConfigUpdate) error {
	if update.Rates != nil {
		if err := runner.UpdateRates(*update.Rates); err != nil {
			return err
		}
	}
	if update.ThinkTime != nil {
		return runner.UpdateThinkTime(*update.ThinkTime)
	}
	return nil
}

// activeRun bundles what an engine holds while running.
type activeRun struct {
	runID     string
	startTime time.Time
	// ctx spans the run. Task closures publish under it and it ends with
	// teardown.
	ctx        context.Context
	cancel     context.CancelFunc
	pool       database.Pool
	manager    *schema.Manager
	tasks      *task.BackgroundTaskManager
	runner     *workload.Runner
	waitEvents *waitevent.Collector
}

// runSpec is what a single-namespace engine hands to startRun.
type runSpec struct {
	scenario      string
	namespace     namespace.Namespace
	concurrency   int
	rates         workload.Rates
	thinkTime     time.Duration
	ops           map[workload.Kind]workload.Op
	expectedError func(error) bool
	prepare       func(ctx context.Context, manager *schema.Manager) error
}

// startRun opens the pool, prepares the schema, launches the workers and
// registers the telemetry tasks of a single-namespace run. Failures leave
// nothing behind; lifecycle events record the attempt either way.
func startRun(ctx context.Context, services Services, spec runSpec) (*activeRun, error) {
	runID := util.NewULID()
	publishStatus(ctx, services, spec.scenario, runID, event.PhaseStarting, "opening pool and preparing schema", nil)

	pool, err := openScenarioPool(ctx, services, spec.concurrency)
	if err != nil {
		publishStatus(ctx, services, spec.scenario, runID, event.PhaseError, err.Error(), nil)
		return nil, err
	}
	manager := schema.NewManager(pool)
	if err := spec.prepare(ctx, manager); err != nil {
		pool.Close()
		publishStatus(ctx, services, spec.scenario, runID, event.PhaseError, err.Error(), nil)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	runner, err := workload.StartRunner(runCtx, workload.RunnerConfig{
		Scenario:      spec.scenario,
		Namespace:     spec.namespace,
		Concurrency:   spec.concurrency,
		Rates:         spec.rates,
		ThinkTime:     spec.thinkTime,
		DrainTimeout:  services.Workload.DrainTimeout,
		Pool:          pool,
		Ops:           spec.ops,
		ExpectedError: spec.expectedError,
		Clock:         services.Clock,
	})
	if err != nil {
		cancel()
		pool.Close()
		publishStatus(ctx, services, spec.scenario, runID, event.PhaseError, err.Error(), nil)
		return nil, err
	}

	run := &activeRun{
		runID:      runID,
		startTime:  services.Clock.Now(),
		ctx:        runCtx,
		cancel:     cancel,
		pool:       pool,
		manager:    manager,
		tasks:      task.NewBackgroundTaskManager(spec.scenario + "_"),
		runner:     runner,
		waitEvents: newWaitEventCollector(ctx, services, pool, spec.scenario),
	}
	run.registerTelemetry(services, spec.scenario)
	publishStatus(ctx, services, spec.scenario, runID, event.PhaseRunning,
		fmt.Sprintf("%d workers started", spec.concurrency), pool)
	return run, nil
}

// registerTelemetry starts the periodic metric snapshot and wait event
// report tasks for this run.
func (r *activeRun) registerTelemetry(services Services, scenario string) {
	sampler := stats.NewSampler(services.Clock)
	r.tasks.Register(func() {
		snapshot := sampler.Sample(r.runner.State())
		services.Publisher.Publish(r.ctx, event.Event{
			Type:      event.TypeMetrics,
			Scenario:  scenario,
			RunID:     r.runID,
			Timestamp: services.Clock.Now(),
			Payload:   snapshot,
		})
	}, services.Stats.WorkloadInterval, "workload_metrics")
	registerWaitEventReports(r.ctx, services, r.tasks, scenario, r.runID, r.waitEvents)
}

// teardown stops telemetry, drains the workers, closes the pool and
// publishes the stopped event. The caller must have cleared its running flag
// first so no control call or task can observe the run mid-teardown.
func (r *activeRun) teardown(ctx context.Context, services Services, scenario string) *FinalStats {
	if r.tasks.StopAll(taskStopTimeout) {
		log.WithField("scenario", scenario).Warn("telemetry tasks did not stop in time")
	}
	nsStats := finalNamespaceStats(ctx, r.runner, services.Clock)
	r.cancel()
	r.pool.Close()

	final := &FinalStats{
		RunID:    r.runID,
		Scenario: scenario,
		Runtime:  services.Clock.Since(r.startTime),
		Totals:   nsStats.Totals,
		Latency:  nsStats.Latency,
	}
	publishStopped(ctx, services, scenario, r.runID, final)
	return final
}

// fillRunStatus copies the live view of a single-namespace run into status.
func fillRunStatus(status *EngineStatus, run *activeRun, clk clock.Clock, ns namespace.Namespace, concurrency int) {
	state := run.runner.State()
	status.Running = true
	status.RunID = run.runID
	status.Uptime = clk.Since(run.startTime)
	status.Pool = run.pool.Stat()
	status.Totals = run.runner.Totals()
	status.Namespaces = []NamespaceStatus{{
		Namespace:   ns.String(),
		RunID:       state.RunID,
		Concurrency: concurrency,
		Rates:       run.runner.Rates(),
		ThinkTime:   run.runner.ThinkTime(),
		Totals:      status.Totals,
	}}
}

// finalNamespaceStats stops one runner and snapshots what it leaves behind.
func finalNamespaceStats(ctx context.Context, runner *workload.Runner, clk clock.Clock) NamespaceFinalStats {
	state := runner.State()
	totals := runner.Stop(ctx)
	return NamespaceFinalStats{
		Runtime: clk.Since(state.StartTime),
		Totals:  totals,
		Latency: state.Latency.Summary(),
	}
}

// mergeNamespaceStats folds per-namespace finals into combined totals and a
// combined latency summary, weighting the mean by operation count.
func mergeNamespaceStats(namespaces map[string]NamespaceFinalStats) (workload.Totals, workload.LatencySummary) {
	var totals workload.Totals
	var latency workload.LatencySummary
	var weighted time.Duration
	for _, nsStats := range namespaces {
		totals = totals.Add(nsStats.Totals)
		latency.Count += nsStats.Latency.Count
		weighted += time.Duration(nsStats.Latency.Count) * nsStats.Latency.Mean
	}
	if latency.Count > 0 {
		latency.Mean = weighted / time.Duration(latency.Count)
	}
	if len(namespaces) == 1 {
		for _, nsStats := range namespaces {
			latency = nsStats.Latency
		}
	}
	return totals, latency
}

func openScenarioPool(ctx context.Context, services Services, workers int) (database.Pool, error) {
	if services.OpenPool == nil {
		return nil, &contendererrors.ErrInvalidConfig{Name: "pool", Message: "no pool opener is configured"}
	}
	pool, err := services.OpenPool(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "opening connection pool")
	}
	if err := checkPoolCeiling(pool, workers); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func checkPoolCeiling(pool database.Pool, workers int) error {
	ceiling := pool.Stat().MaxConns
	if ceiling > 0 && workers > int(ceiling) {
		return &contendererrors.ErrInvalidConfig{
			Name:    "concurrency",
			Value:   workers,
			Message: fmt.Sprintf("%d workers exceed the pool ceiling of %d connections", workers, ceiling),
		}
	}
	return nil
}

// runWaitEvents is the engines' WaitEvents accessor: the live run's
// collector, or nil when the engine is stopped or sampling is unavailable.
// Callers reset or clear the reporting baseline through it.
func runWaitEvents(running bool, run *activeRun) *waitevent.Collector {
	if !running || run == nil {
		return nil
	}
	return run.waitEvents
}

// newWaitEventCollector probes the wait sampling extension and captures the
// run's baseline. A missing extension degrades to no wait event reports
// rather than failing the run.
func newWaitEventCollector(ctx context.Context, services Services, pool database.Pool, scenario string) *waitevent.Collector {
	source, err := waitevent.NewPgWaitSamplingSource(ctx, pool, services.WaitEvents.Instance, services.WaitEvents.SamplePeriod)
	if err != nil {
		log.WithError(err).WithField("scenario", scenario).Warn("wait event reporting disabled")
		return nil
	}
	collector := waitevent.NewCollector(source)
	if err := collector.ResetBaseline(ctx); err != nil {
		log.WithError(err).WithField("scenario", scenario).Warn("could not capture wait event baseline, reporting raw counters")
	}
	return collector
}

func registerWaitEventReports(ctx context.Context, services Services, tasks *task.BackgroundTaskManager, scenario, runID string, collector *waitevent.Collector) {
	if collector == nil {
		return
	}
	tasks.Register(func() {
		report, err := collector.Report(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).WithField("scenario", scenario).Warn("wait event report failed")
			}
			return
		}
		services.Publisher.Publish(ctx, event.Event{
			Type:      event.TypeWaitEvents,
			Scenario:  scenario,
			RunID:     runID,
			Timestamp: services.Clock.Now(),
			Payload:   report,
		})
	}, services.Stats.WaitEventInterval, "wait_event_report")
}

func publishStatus(ctx context.Context, services Services, scenario, runID, phase, message string, pool database.Pool) {
	payload := event.StatusPayload{Phase: phase, Message: message}
	if pool != nil {
		payload.Pool = pool.Stat()
	}
	services.Publisher.Publish(ctx, event.Event{
		Type:      event.TypeStatus,
		Scenario:  scenario,
		RunID:     runID,
		Timestamp: services.Clock.Now(),
		Payload:   payload,
	})
}

func publishStopped(ctx context.Context, services Services, scenario, runID string, final *FinalStats) {
	services.Publisher.Publish(ctx, event.Event{
		Type:      event.TypeStopped,
		Scenario:  scenario,
		RunID:     runID,
		Timestamp: services.Clock.Now(),
		Payload:   final,
	})
}

// sleepFor waits d on the given clock, returning false if ctx ended first.
func sleepFor(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-clk.After(d):
		return true
	}
}
