package workload

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/common/util"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/namespace"
)

// Op runs one operation inside the supplied transaction. The runner
// commits on a nil return and rolls back otherwise.
type Op func(ctx context.Context, tx database.Tx, rnd *rand.Rand) error

const (
	// defaultDrainTimeout bounds how long Stop waits for workers past
	// one think-time cycle before aborting in-flight operations.
	defaultDrainTimeout = 2 * time.Second

	// acquireBackoff is the minimum pause after a failed connection
	// acquisition, so a zero think-time run does not spin against an
	// exhausted pool.
	acquireBackoff = 100 * time.Millisecond

	// logSuppression is how long a repeated failure message is muted
	// after being logged once.
	logSuppression = 10 * time.Second
)

type RunnerConfig struct {
	// Scenario names the owning engine, for logs and error identity.
	Scenario    string
	Namespace   namespace.Namespace
	Concurrency int
	Rates       Rates
	ThinkTime   time.Duration
	// DrainTimeout overrides defaultDrainTimeout when positive.
	DrainTimeout time.Duration
	Pool         database.Pool
	// Ops must cover every kind with a positive rate.
	Ops map[Kind]Op
	// ExpectedError reports whether an operation error was provoked
	// deliberately by the scenario, for example a routine invalidation
	// race. Such errors are counted separately and kept out of the
	// error log. Optional.
	ExpectedError func(error) bool
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Runner owns the worker goroutines of one run. Workers loop until
// Stop flips the shared running flag; rate weights and think-time can
// be changed while they run.
type Runner struct {
	scenario      string
	ns            namespace.Namespace
	ops           map[Kind]Op
	expectedError func(error) bool
	drainTimeout  time.Duration

	pool      database.Pool
	clock     clock.Clock
	state     *RunState
	rates     atomic.Value
	thinkTime atomic.Int64

	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	logCache *gocache.Cache
}

// StartRunner validates the config, spawns config.Concurrency workers
// and returns immediately. The runner does not own config.Pool: the
// caller closes it after Stop, once no other run shares it.
func StartRunner(ctx context.Context, config RunnerConfig) (*Runner, error) {
	if err := validateRunnerConfig(config); err != nil {
		return nil, err
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	drainTimeout := config.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Runner{
		scenario:      config.Scenario,
		ns:            config.Namespace,
		ops:           config.Ops,
		expectedError: config.ExpectedError,
		drainTimeout:  drainTimeout,
		pool:          config.Pool,
		clock:         clk,
		state:         NewRunState(config.Scenario, config.Namespace, clk),
		cancel:        cancel,
		wg:            &sync.WaitGroup{},
		logCache:      gocache.New(logSuppression, time.Minute),
	}
	r.rates.Store(config.Rates)
	r.thinkTime.Store(int64(config.ThinkTime))

	for i := 0; i < config.Concurrency; i++ {
		r.wg.Add(1)
		go r.work(runCtx, i)
	}
	r.logger().Infof("run %s started with %d workers", r.state.RunID, config.Concurrency)
	return r, nil
}

func validateRunnerConfig(config RunnerConfig) error {
	if config.Pool == nil {
		return &contendererrors.ErrInvalidConfig{
			Name:    "pool",
			Message: "a connection pool is required",
		}
	}
	if config.Concurrency < 1 {
		return &contendererrors.ErrInvalidConfig{
			Name:    "concurrency",
			Value:   config.Concurrency,
			Message: "at least one worker is required",
		}
	}
	if config.ThinkTime < 0 {
		return &contendererrors.ErrInvalidConfig{
			Name:  "thinkTime",
			Value: config.ThinkTime,
		}
	}
	if err := config.Rates.Validate(); err != nil {
		return err
	}
	return validateOpsCover(config.Rates, config.Ops)
}

func validateOpsCover(rates Rates, ops map[Kind]Op) error {
	for _, kind := range AllKinds {
		if rates.weight(kind) > 0 && ops[kind] == nil {
			return &contendererrors.ErrInvalidConfig{
				Name:    "rates." + string(kind),
				Value:   rates.weight(kind),
				Message: "no operation is registered for this kind",
			}
		}
	}
	return nil
}

// State exposes the shared run state for status reads and the stats
// aggregator.
func (r *Runner) State() *RunState {
	return r.state
}

func (r *Runner) Totals() Totals {
	return r.state.Counters.Totals()
}

func (r *Runner) Rates() Rates {
	return r.rates.Load().(Rates)
}

func (r *Runner) ThinkTime() time.Duration {
	return time.Duration(r.thinkTime.Load())
}

// UpdateRates swaps the rate weights while workers run. The new rates
// must be valid and covered by the registered operations.
func (r *Runner) UpdateRates(rates Rates) error {
	if err := rates.Validate(); err != nil {
		return err
	}
	if err := validateOpsCover(rates, r.ops); err != nil {
		return err
	}
	r.rates.Store(rates)
	return nil
}

func (r *Runner) UpdateThinkTime(thinkTime time.Duration) error {
	if thinkTime < 0 {
		return &contendererrors.ErrInvalidConfig{
			Name:  "thinkTime",
			Value: thinkTime,
		}
	}
	r.thinkTime.Store(int64(thinkTime))
	return nil
}

// Stop flips the running flag and waits for workers to finish their
// current iteration within think-time plus the drain timeout. Workers
// still busy after that, or once ctx is done, have their in-flight
// statements aborted through context cancellation. All workers have
// exited and the counters are frozen when Stop returns. Calling Stop
// again returns the same totals.
func (r *Runner) Stop(ctx context.Context) Totals {
	if r.state.running.CompareAndSwap(true, false) {
		grace := r.ThinkTime() + r.drainTimeout
		if !r.waitWorkers(ctx, grace) {
			r.logger().Warnf("workers still busy after %s, aborting in-flight operations", grace)
			r.cancel()
			r.wg.Wait()
		}
		r.cancel()
		r.logger().Infof("run %s stopped", r.state.RunID)
	}
	return r.state.Counters.Totals()
}

// waitWorkers waits for the worker WaitGroup up to the grace period,
// returning false on timeout or when ctx is cancelled first.
func (r *Runner) waitWorkers(ctx context.Context, grace time.Duration) bool {
	joined := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
		return true
	case <-r.clock.After(grace):
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) work(ctx context.Context, worker int) {
	defer r.wg.Done()
	rnd := util.NewThreadsafeRand(r.clock.Now().UnixNano() + int64(worker))
	for r.state.Running() && ctx.Err() == nil {
		r.iterate(ctx, rnd)
		if !r.state.Running() {
			return
		}
		r.pause(ctx, r.ThinkTime())
	}
}

// iterate runs a single worker cycle: acquire, pick, execute inside a
// transaction, commit or roll back, release. Failures of any step are
// counted and never escape; a panic inside an operation is recovered
// and counted as an error so the loop survives it.
func (r *Runner) iterate(ctx context.Context, rnd *rand.Rand) {
	defer func() {
		if p := recover(); p != nil {
			r.state.Counters.Errors.Add(1)
			r.logEvery(fmt.Sprintf("panic: %v", p), func(entry *log.Entry) {
				entry.Errorf("recovered from panic in worker iteration: %v", p)
			})
		}
	}()

	session, err := r.pool.Acquire(ctx)
	if err != nil {
		r.state.Counters.Errors.Add(1)
		r.logEvery("acquire: "+err.Error(), func(entry *log.Entry) {
			entry.WithError(err).Warn("failed to acquire connection")
		})
		backoff := r.ThinkTime()
		if backoff < acquireBackoff {
			backoff = acquireBackoff
		}
		r.pause(ctx, backoff)
		return
	}
	defer session.Release()

	kind := r.Rates().Pick(rnd)
	op := r.ops[kind]

	started := r.clock.Now()
	tx, err := session.Begin(ctx)
	if err != nil {
		r.operationFailed(err)
		return
	}
	if err := op(ctx, tx, rnd); err != nil {
		// Best effort: the transaction may already be gone with its
		// connection.
		_ = tx.Rollback(ctx)
		r.operationFailed(err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		r.operationFailed(err)
		return
	}
	r.state.Latency.Record(r.clock.Since(started))
	r.state.Counters.ForKind(kind).Add(1)
	r.state.Counters.Transactions.Add(1)
}

func (r *Runner) operationFailed(err error) {
	if r.expectedError != nil && r.expectedError(err) {
		r.state.Counters.ExpectedErrors.Add(1)
		return
	}
	r.state.Counters.Errors.Add(1)
	r.logEvery(err.Error(), func(entry *log.Entry) {
		entry.WithError(err).Warn("operation failed")
	})
}

// pause sleeps for d, returning early when the run context is
// cancelled.
func (r *Runner) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-r.clock.After(d):
	}
}

// logEvery emits at most one log line per suppression window for each
// distinct key. A run erroring on every operation would otherwise
// flood the logs at full workload speed.
func (r *Runner) logEvery(key string, emit func(entry *log.Entry)) {
	if _, muted := r.logCache.Get(key); muted {
		return
	}
	r.logCache.SetDefault(key, struct{}{})
	emit(r.logger())
}

func (r *Runner) logger() *log.Entry {
	entry := log.WithField("scenario", r.scenario)
	if r.ns != "" {
		entry = entry.WithField("namespace", r.ns.String())
	}
	return entry
}
