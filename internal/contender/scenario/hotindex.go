package scenario

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/event"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/ops"
	"github.com/contenderproject/contender/internal/contender/schema"
	"github.com/contenderproject/contender/internal/contender/stats"
	"github.com/contenderproject/contender/internal/contender/waitevent"
	"github.com/contenderproject/contender/internal/contender/workload"
)

const (
	defaultABDuration       = 10 * time.Second
	defaultABWarmup         = 2 * time.Second
	defaultABSampleInterval = time.Second
	// restoreTimeout bounds the strategy restore after a comparison whose
	// caller context is already gone.
	restoreTimeout = 30 * time.Second
)

// HotIndexConfig sizes an append-only insert run against the hot table.
type HotIndexConfig struct {
	Namespace   namespace.Namespace `yaml:"namespace"`
	Concurrency int                 `yaml:"concurrency"`
	ThinkTime   time.Duration       `yaml:"thinkTime"`
	// Strategy the hot table starts with; empty means btree.
	Strategy schema.IndexStrategy `yaml:"strategy"`
	// Partitions used by the hashpart strategy. Zero picks the default.
	Partitions int `yaml:"partitions"`
	// SequenceCache preallocates that many values per session on the feeding
	// sequence. Zero leaves the sequence untouched.
	SequenceCache int `yaml:"sequenceCache"`
}

func (c HotIndexConfig) withDefaults() HotIndexConfig {
	if c.Strategy == "" {
		c.Strategy = schema.IndexBtree
	}
	return c
}

func (c HotIndexConfig) validate() error {
	if _, err := namespace.New(c.Namespace.String()); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return &contendererrors.ErrInvalidConfig{Name: "concurrency", Value: c.Concurrency, Message: "at least one worker is required"}
	}
	if c.ThinkTime < 0 {
		return &contendererrors.ErrInvalidConfig{Name: "thinkTime", Value: c.ThinkTime, Message: "cannot be negative"}
	}
	if c.Partitions < 0 {
		return &contendererrors.ErrInvalidConfig{Name: "partitions", Value: c.Partitions, Message: "cannot be negative"}
	}
	if c.SequenceCache < 0 {
		return &contendererrors.ErrInvalidConfig{Name: "sequenceCache", Value: c.SequenceCache, Message: "cannot be negative"}
	}
	_, err := schema.ParseIndexStrategy(string(c.Strategy))
	return err
}

// ABTestSpec declares an index strategy comparison inside an active hot
// index run.
type ABTestSpec struct {
	// Strategies to compare, applied in order.
	Strategies []schema.IndexStrategy `yaml:"strategies"`
	// Duration of each strategy's measurement window.
	Duration time.Duration `yaml:"duration"`
	// Warmup is how long the workload settles after a strategy is applied
	// before measurement begins.
	Warmup time.Duration `yaml:"warmup"`
}

func (s ABTestSpec) withDefaults() ABTestSpec {
	if s.Duration <= 0 {
		s.Duration = defaultABDuration
	}
	if s.Warmup <= 0 {
		s.Warmup = defaultABWarmup
	}
	return s
}

func (s ABTestSpec) validate() error {
	if len(s.Strategies) < 2 {
		return &contendererrors.ErrInvalidConfig{
			Name:    "strategies",
			Value:   len(s.Strategies),
			Message: "a comparison needs at least two index strategies",
		}
	}
	for _, strategy := range s.Strategies {
		if _, err := schema.ParseIndexStrategy(string(strategy)); err != nil {
			return err
		}
	}
	return nil
}

// VariantResult is one strategy's measured share of a comparison.
type VariantResult struct {
	Strategy    schema.IndexStrategy `json:"indexStrategy"`
	Samples     int                  `json:"samples"`
	MeanTPS     float64              `json:"meanTps"`
	MeanLatency time.Duration        `json:"meanLatency"`
}

// ABTestResult ranks the compared strategies by insert throughput.
type ABTestResult struct {
	RunID    string               `json:"runId"`
	Original schema.IndexStrategy `json:"original"`
	Winner   schema.IndexStrategy `json:"winner"`
	Variants []VariantResult      `json:"variants"`
}

// HotIndexEngine drives monotonic inserts into one table whose index
// strategy can be swapped while the inserters keep running.
type HotIndexEngine struct {
	services Services
	// abSampleInterval is how often a comparison window is sampled.
	abSampleInterval time.Duration

	mu      sync.Mutex
	running bool
	run     *activeRun
	config  HotIndexConfig

	strategy  atomic.Value
	abRunning atomic.Bool
}

// NewHotIndexEngine returns a stopped hot index engine.
func NewHotIndexEngine(services Services) *HotIndexEngine {
	return &HotIndexEngine{services: services.withDefaults(), abSampleInterval: defaultABSampleInterval}
}

// Start prepares the hot table under the configured strategy and launches
// the inserters.
func (e *HotIndexEngine) Start(ctx context.Context, config HotIndexConfig) error {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return &contendererrors.ErrAlreadyRunning{Scenario: ScenarioHotIndex}
	}
	// Workers read the strategy from the first insert on, so it must be in
	// place before the runner starts.
	e.strategy.Store(config.Strategy)
	run, err := startRun(ctx, e.services, runSpec{
		scenario:    ScenarioHotIndex,
		namespace:   config.Namespace,
		concurrency: config.Concurrency,
		rates:       workload.Rates{Insert: 1},
		thinkTime:   config.ThinkTime,
		ops:         e.hotOps(config),
		prepare: func(ctx context.Context, manager *schema.Manager) error {
			if err := manager.EnsureHotObjects(ctx, config.Namespace, config.Strategy, config.Partitions); err != nil {
				return err
			}
			if config.SequenceCache > 0 {
				return manager.ChangeSequenceCache(ctx, config.Namespace, config.SequenceCache)
			}
			return nil
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
func (e *HotIndexEngine) Stop(ctx context.Context) (*FinalStats, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, &contendererrors.ErrNotRunning{Scenario: ScenarioHotIndex}
	}
	e.running = false
	run := e.run
	e.run = nil
	e.mu.Unlock()
	return run.teardown(ctx, e.services, ScenarioHotIndex), nil
}

// Strategy returns the index strategy the inserters are currently writing
// under.
func (e *HotIndexEngine) Strategy() schema.IndexStrategy {
	if s, ok := e.strategy.Load().(schema.IndexStrategy); ok {
		return s
	}
	return ""
}

// ChangeIndex rebuilds the hot table's key side under a new strategy while
// the inserters keep running.
func (e *HotIndexEngine) ChangeIndex(ctx context.Context, strategy schema.IndexStrategy) error {
	if _, err := schema.ParseIndexStrategy(string(strategy)); err != nil {
		return err
	}
	return e.applyStrategy(ctx, strategy)
}

// ChangeSequenceCache changes how many values each session preallocates from
// the feeding sequence.
func (e *HotIndexEngine) ChangeSequenceCache(ctx context.Context, cache int) error {
	if cache < 1 {
		return &contendererrors.ErrInvalidConfig{
			Name:    "sequenceCache",
			Value:   cache,
			Message: "must be a positive number of preallocated sequence values",
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return &contendererrors.ErrNotRunning{Scenario: ScenarioHotIndex}
	}
	if err := e.run.manager.ChangeSequenceCache(ctx, e.config.Namespace, cache); err != nil {
		return err
	}
	e.config.SequenceCache = cache
	publishStatus(ctx, e.services, ScenarioHotIndex, e.run.runID, event.PhaseRunning,
		fmt.Sprintf("sequence cache changed to %d", cache), e.run.pool)
	return nil
}

// RunABTest applies each candidate strategy in turn against the live insert
// stream, measures a window of throughput snapshots per candidate and ranks
// them by mean TPS. The strategy active before the comparison is restored
// afterwards, also when the comparison fails or its context ends.
func (e *HotIndexEngine) RunABTest(ctx context.Context, spec ABTestSpec) (*ABTestResult, error) {
	spec = spec.withDefaults()
	if err := spec.validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, &contendererrors.ErrNotRunning{Scenario: ScenarioHotIndex}
	}
	runID := e.run.runID
	runner := e.run.runner
	e.mu.Unlock()
	if !e.abRunning.CompareAndSwap(false, true) {
		return nil, &contendererrors.ErrAlreadyRunning{Scenario: "hotindex abtest"}
	}
	defer e.abRunning.Store(false)

	original := e.Strategy()
	applied := original
	defer func() {
		if applied == original {
			return
		}
		// The caller's context may already be gone; the restore still has to
		// reach the database.
		restoreCtx, cancelRestore := context.WithTimeout(context.Background(), restoreTimeout)
		defer cancelRestore()
		if err := e.applyStrategy(restoreCtx, original); err != nil {
			log.WithError(err).Warnf("could not restore index strategy %s after comparison", original)
		}
	}()

	result := &ABTestResult{RunID: runID, Original: original}
	for _, strategy := range spec.Strategies {
		if err := e.applyStrategy(ctx, strategy); err != nil {
			return nil, err
		}
		applied = strategy
		variant, err := e.measureVariant(ctx, runner, strategy, spec)
		if err != nil {
			return nil, err
		}
		result.Variants = append(result.Variants, *variant)
	}

	winner := result.Variants[0]
	for _, variant := range result.Variants[1:] {
		if variant.MeanTPS > winner.MeanTPS {
			winner = variant
		}
	}
	result.Winner = winner.Strategy
	publishStatus(ctx, e.services, ScenarioHotIndex, runID, event.PhaseRunning,
		fmt.Sprintf("comparison finished, %s wins at %.1f tps", result.Winner, winner.MeanTPS), nil)
	return result, nil
}

// Status reports a point in time view of the run.
func (e *HotIndexEngine) Status() *EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := &EngineStatus{Scenario: ScenarioHotIndex}
	if !e.running {
		return status
	}
	fillRunStatus(status, e.run, e.services.Clock, e.config.Namespace, e.config.Concurrency)
	status.Strategy = e.Strategy()
	status.SequenceCache = e.config.SequenceCache
	return status
}

// WaitEvents exposes the run's wait event collector for baseline control.
// Nil when the engine is stopped or sampling is unavailable.
func (e *HotIndexEngine) WaitEvents() *waitevent.Collector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return runWaitEvents(e.running, e.run)
}

// UpdateConfig adjusts the live runner. Only think time can change here;
// the insert-only rates have no other registered operations.
func (e *HotIndexEngine) UpdateConfig(update ConfigUpdate) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return &contendererrors.ErrNotRunning{Scenario: ScenarioHotIndex}
	}
	runner := e.run.runner
	e.mu.Unlock()
	return applyConfigUpdate(runner, update)
}

// applyStrategy rebuilds the table's key side and flips the strategy the
// workers consult. Rebuilds are serialized by the engine lock.
func (e *HotIndexEngine) applyStrategy(ctx context.Context, strategy schema.IndexStrategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return &contendererrors.ErrNotRunning{Scenario: ScenarioHotIndex}
	}
	if err := e.run.manager.ApplyIndexStrategy(ctx, e.config.Namespace, strategy, e.config.Partitions); err != nil {
		return errors.WithMessagef(err, "applying index strategy %s", strategy)
	}
	e.strategy.Store(strategy)
	publishStatus(ctx, e.services, ScenarioHotIndex, e.run.runID, event.PhaseRunning,
		fmt.Sprintf("index strategy changed to %s", strategy), e.run.pool)
	return nil
}

// measureVariant lets the workload settle, then samples the runner over the
// measurement window. The latency mean is weighted by per-window operation
// counts.
func (e *HotIndexEngine) measureVariant(ctx context.Context, runner *workload.Runner, strategy schema.IndexStrategy, spec ABTestSpec) (*VariantResult, error) {
	clk := e.services.Clock
	if !sleepFor(ctx, clk, spec.Warmup) {
		return nil, errors.WithStack(ctx.Err())
	}
	sampler := stats.NewSampler(clk)
	// Prime the sampler so the first window only covers this variant.
	sampler.Sample(runner.State())

	samples := int(spec.Duration / e.abSampleInterval)
	if samples < 1 {
		samples = 1
	}
	var tpsSum float64
	var weighted time.Duration
	var transactions int64
	for i := 0; i < samples; i++ {
		if !sleepFor(ctx, clk, e.abSampleInterval) {
			return nil, errors.WithStack(ctx.Err())
		}
		snapshot := sampler.Sample(runner.State())
		tpsSum += snapshot.TPS
		weighted += time.Duration(snapshot.PerSecond.Transactions) * snapshot.MeanLatency
		transactions += snapshot.PerSecond.Transactions
	}
	result := &VariantResult{Strategy: strategy, Samples: samples, MeanTPS: tpsSum / float64(samples)}
	if transactions > 0 {
		result.MeanLatency = weighted / time.Duration(transactions)
	}
	return result, nil
}

// hotOps exposes the single insert operation. Under the shardedseq strategy
// every insert draws a random shard from as many shards as there are
// workers, spreading ids over disjoint ranges without pinning shards to
// workers.
func (e *HotIndexEngine) hotOps(config HotIndexConfig) map[workload.Kind]workload.Op {
	ns := config.Namespace
	shards := int64(config.Concurrency)
	return map[workload.Kind]workload.Op{
		workload.KindInsert: func(ctx context.Context, tx database.Tx, rnd *rand.Rand) error {
			if e.Strategy() == schema.IndexShardedSeq {
				return ops.InsertHotRowSharded(ctx, tx, ns, rnd, rnd.Int63n(shards))
			}
			return ops.InsertHotRow(ctx, tx, ns, rnd)
		},
	}
}
