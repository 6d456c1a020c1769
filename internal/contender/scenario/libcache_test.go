package scenario

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/event"
)

func libCacheConfig(workers int) LibCacheConfig {
	return LibCacheConfig{
		Namespace:            "cache",
		Concurrency:          workers,
		InvalidationInterval: 10 * time.Millisecond,
	}
}

func startLibCache(t *testing.T, pool *database.FakePool, config LibCacheConfig) (*LibCacheEngine, *event.Collector) {
	services, collector := testServices(pool)
	engine := NewLibCacheEngine(services)
	require.NoError(t, engine.Start(context.Background(), config))
	t.Cleanup(func() { _, _ = engine.Stop(context.Background()) })
	return engine, collector
}

func TestLibCacheStartValidation(t *testing.T) {
	tests := map[string]LibCacheConfig{
		"zero workers":        {Namespace: "cache"},
		"negative think time": {Namespace: "cache", Concurrency: 1, ThinkTime: -time.Second},
		"invalid namespace":   {Namespace: "not valid", Concurrency: 1},
	}
	for name, config := range tests {
		t.Run(name, func(t *testing.T) {
			services, _ := testServices(database.NewFakePool(50))
			engine := NewLibCacheEngine(services)
			err := engine.Start(context.Background(), config)
			require.Error(t, err)
			var invalid *contendererrors.ErrInvalidConfig
			assert.ErrorAs(t, err, &invalid)
			assert.False(t, engine.Status().Running)
		})
	}
}

func TestLibCacheExecutorsAndInvalidatorFlow(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, _ := startLibCache(t, pool, libCacheConfig(4))

	status := engine.Status()
	assert.Equal(t, 10*time.Millisecond, status.InvalidationInterval)

	require.Eventually(t, func() bool {
		totals := engine.Status().Totals
		return totals.Selects >= 100 && totals.Invalidations >= 3
	}, 5*time.Second, 5*time.Millisecond)

	execs := pool.Execs()
	// The routine is created once at start and replaced on every invalidation.
	assert.GreaterOrEqual(t, countMatching(execs, "CREATE OR REPLACE FUNCTION"), 2)
	called := false
	for _, sql := range execs {
		if strings.HasPrefix(sql, "SELECT") && strings.Contains(sql, "busy_work") {
			called = true
			break
		}
	}
	assert.True(t, called)

	final, err := engine.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, final.Totals.Selects, final.Totals.Transactions)
	assert.Zero(t, final.Totals.Errors)
	assert.Greater(t, final.Totals.Invalidations, int64(0))
	assert.True(t, pool.Closed())
}

func TestLibCacheCountsInvalidationRacesAsExpected(t *testing.T) {
	pool := database.NewFakePool(50)
	pool.ExecFunc = func(sql string, args ...interface{}) (int64, error) {
		// Routine calls fail the way a just-replaced function does; the
		// replacement statements themselves keep working.
		if strings.HasPrefix(sql, "SELECT") && strings.Contains(sql, "busy_work") {
			return 0, &pgconn.PgError{Code: pgerrcode.UndefinedFunction, Message: "function cache_busy_work() does not exist"}
		}
		return 1, nil
	}
	config := libCacheConfig(2)
	config.InvalidationInterval = time.Hour
	engine, _ := startLibCache(t, pool, config)

	require.Eventually(t, func() bool {
		return engine.Status().Totals.ExpectedErrors >= 10
	}, 5*time.Second, 5*time.Millisecond)

	totals := engine.Status().Totals
	assert.Zero(t, totals.Errors)
	assert.Zero(t, totals.Selects)
	assert.Zero(t, totals.Transactions)
}

func TestLibCacheRunsWithoutWaitSampling(t *testing.T) {
	pool := database.NewFakePool(50)
	pool.QueryFunc = func(sql string, args ...interface{}) (*database.FakeRows, error) {
		if strings.Contains(sql, "pg_wait_sampling_profile") {
			return nil, &pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: `relation "pg_wait_sampling_profile" does not exist`}
		}
		return &database.FakeRows{}, nil
	}
	engine, _ := startLibCache(t, pool, libCacheConfig(2))

	// The run proceeds without wait event reporting.
	assert.True(t, engine.Status().Running)
	assert.Nil(t, engine.WaitEvents())
	require.Eventually(t, func() bool {
		return engine.Status().Totals.Selects > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLibCacheSecondStartRejected(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, _ := startLibCache(t, pool, libCacheConfig(1))

	err := engine.Start(context.Background(), libCacheConfig(1))
	var already *contendererrors.ErrAlreadyRunning
	require.ErrorAs(t, err, &already)
	assert.Equal(t, ScenarioLibCache, already.Scenario)

	_, err = engine.Stop(context.Background())
	require.NoError(t, err)
	_, err = engine.Stop(context.Background())
	var notRunning *contendererrors.ErrNotRunning
	require.ErrorAs(t, err, &notRunning)
}
