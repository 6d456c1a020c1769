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
	"github.com/contenderproject/contender/internal/contender/schema"
	"github.com/contenderproject/contender/internal/contender/workload"
)

func hotIndexConfig(workers int) HotIndexConfig {
	return HotIndexConfig{Namespace: "hot", Concurrency: workers}
}

func startHotIndex(t *testing.T, pool *database.FakePool, config HotIndexConfig) (*HotIndexEngine, *event.Collector) {
	services, collector := testServices(pool)
	engine := NewHotIndexEngine(services)
	engine.abSampleInterval = 5 * time.Millisecond
	require.NoError(t, engine.Start(context.Background(), config))
	t.Cleanup(func() { _, _ = engine.Stop(context.Background()) })
	return engine, collector
}

func TestHotIndexStartValidation(t *testing.T) {
	tests := map[string]HotIndexConfig{
		"zero workers":            {Namespace: "hot"},
		"negative think time":     {Namespace: "hot", Concurrency: 1, ThinkTime: -time.Second},
		"negative partitions":     {Namespace: "hot", Concurrency: 1, Partitions: -1},
		"negative sequence cache": {Namespace: "hot", Concurrency: 1, SequenceCache: -1},
		"unknown strategy":        {Namespace: "hot", Concurrency: 1, Strategy: "zigzag"},
		"invalid namespace":       {Namespace: "HOT", Concurrency: 1},
	}
	for name, config := range tests {
		t.Run(name, func(t *testing.T) {
			services, _ := testServices(database.NewFakePool(50))
			engine := NewHotIndexEngine(services)
			err := engine.Start(context.Background(), config)
			require.Error(t, err)
			var invalid *contendererrors.ErrInvalidConfig
			assert.ErrorAs(t, err, &invalid)
			assert.False(t, engine.Status().Running)
		})
	}
}

func TestHotIndexInsertsUnderDefaultStrategy(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, _ := startHotIndex(t, pool, hotIndexConfig(2))

	assert.Equal(t, schema.IndexBtree, engine.Status().Strategy)
	execs := pool.Execs()
	assert.GreaterOrEqual(t, countMatching(execs, `"hot_hot_entries"`), 1)
	assert.GreaterOrEqual(t, countMatching(execs, `CREATE SEQUENCE IF NOT EXISTS "hot_hot_entries_id_seq"`), 1)
	assert.GreaterOrEqual(t, countMatching(execs, `ADD CONSTRAINT "hot_hot_entries_pkey" PRIMARY KEY (id)`), 1)

	require.Eventually(t, func() bool {
		return engine.Status().Totals.Inserts >= 50
	}, 5*time.Second, 5*time.Millisecond)

	final, err := engine.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, final.Totals.Inserts, final.Totals.Transactions)
	assert.Zero(t, final.Totals.Updates)
	assert.Zero(t, final.Totals.Selects)
	assert.True(t, pool.Closed())
}

func TestHotIndexStartAppliesSequenceCache(t *testing.T) {
	pool := database.NewFakePool(50)
	config := hotIndexConfig(1)
	config.SequenceCache = 500
	engine, _ := startHotIndex(t, pool, config)

	assert.Equal(t, 500, engine.Status().SequenceCache)
	assert.GreaterOrEqual(t, countMatching(pool.Execs(), "CACHE 500"), 1)
}

func TestHotIndexChangeIndexWhileInsertsFlow(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, collector := startHotIndex(t, pool, hotIndexConfig(2))
	require.Eventually(t, func() bool {
		return engine.Status().Totals.Inserts > 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.ChangeIndex(context.Background(), schema.IndexReverse))
	assert.Equal(t, schema.IndexReverse, engine.Status().Strategy)
	assert.GreaterOrEqual(t, countMatching(pool.Execs(), "reverse(id::text)"), 1)
	assert.Contains(t, statusMessages(collector), "index strategy changed to reverse")

	// The inserters never stopped.
	before := engine.Status().Totals.Inserts
	require.Eventually(t, func() bool {
		return engine.Status().Totals.Inserts > before
	}, 5*time.Second, 5*time.Millisecond)

	err := engine.ChangeIndex(context.Background(), "zigzag")
	var invalid *contendererrors.ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, schema.IndexReverse, engine.Status().Strategy)
}

func TestHotIndexChangeIndexRequiresRunningEngine(t *testing.T) {
	services, _ := testServices(database.NewFakePool(50))
	engine := NewHotIndexEngine(services)

	err := engine.ChangeIndex(context.Background(), schema.IndexBtree)
	var notRunning *contendererrors.ErrNotRunning
	require.ErrorAs(t, err, &notRunning)
}

func TestHotIndexShardedSeqComposesShardedIds(t *testing.T) {
	pool := database.NewFakePool(50)
	config := hotIndexConfig(4)
	config.Strategy = schema.IndexShardedSeq
	engine, _ := startHotIndex(t, pool, config)

	assert.Equal(t, schema.IndexShardedSeq, engine.Status().Strategy)
	require.Eventually(t, func() bool {
		return countMatching(pool.Execs(), "<< 40") > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHotIndexChangeSequenceCache(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, _ := startHotIndex(t, pool, hotIndexConfig(1))

	require.NoError(t, engine.ChangeSequenceCache(context.Background(), 250))
	assert.Equal(t, 250, engine.Status().SequenceCache)
	assert.GreaterOrEqual(t, countMatching(pool.Execs(), "CACHE 250"), 1)

	err := engine.ChangeSequenceCache(context.Background(), 0)
	var invalid *contendererrors.ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)

	_, err = engine.Stop(context.Background())
	require.NoError(t, err)
	err = engine.ChangeSequenceCache(context.Background(), 10)
	var notRunning *contendererrors.ErrNotRunning
	require.ErrorAs(t, err, &notRunning)
}

func TestHotIndexABTestComparesAndRestores(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, collector := startHotIndex(t, pool, hotIndexConfig(4))
	require.Eventually(t, func() bool {
		return engine.Status().Totals.Inserts > 0
	}, 5*time.Second, 5*time.Millisecond)

	result, err := engine.RunABTest(context.Background(), ABTestSpec{
		Strategies: []schema.IndexStrategy{schema.IndexBtree, schema.IndexReverse},
		Duration:   20 * time.Millisecond,
		Warmup:     time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, schema.IndexBtree, result.Original)
	require.Len(t, result.Variants, 2)
	assert.Equal(t, schema.IndexBtree, result.Variants[0].Strategy)
	assert.Equal(t, schema.IndexReverse, result.Variants[1].Strategy)
	for _, variant := range result.Variants {
		assert.Equal(t, 4, variant.Samples)
		assert.Greater(t, variant.MeanTPS, 0.0)
	}
	assert.Contains(t, []schema.IndexStrategy{schema.IndexBtree, schema.IndexReverse}, result.Winner)

	// The last variant left reverse applied; the original is back.
	assert.Equal(t, schema.IndexBtree, engine.Status().Strategy)
	messages := statusMessages(collector)
	assert.Equal(t, 1, countMatching(messages, "index strategy changed to reverse"))
	assert.Equal(t, 2, countMatching(messages, "index strategy changed to btree"))
	assert.Equal(t, 1, countMatching(messages, "comparison finished"))
}

func TestHotIndexABTestValidation(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, _ := startHotIndex(t, pool, hotIndexConfig(1))

	tests := map[string]ABTestSpec{
		"one strategy":     {Strategies: []schema.IndexStrategy{schema.IndexBtree}},
		"unknown strategy": {Strategies: []schema.IndexStrategy{schema.IndexBtree, "zigzag"}},
	}
	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := engine.RunABTest(context.Background(), spec)
			var invalid *contendererrors.ErrInvalidConfig
			require.ErrorAs(t, err, &invalid)
		})
	}
}

func TestHotIndexABTestRequiresRunningEngine(t *testing.T) {
	services, _ := testServices(database.NewFakePool(50))
	engine := NewHotIndexEngine(services)

	_, err := engine.RunABTest(context.Background(), ABTestSpec{
		Strategies: []schema.IndexStrategy{schema.IndexBtree, schema.IndexReverse},
	})
	var notRunning *contendererrors.ErrNotRunning
	require.ErrorAs(t, err, &notRunning)
}

func TestHotIndexABTestRejectsConcurrentComparison(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, _ := startHotIndex(t, pool, hotIndexConfig(1))

	engine.abRunning.Store(true)
	defer engine.abRunning.Store(false)
	_, err := engine.RunABTest(context.Background(), ABTestSpec{
		Strategies: []schema.IndexStrategy{schema.IndexBtree, schema.IndexReverse},
	})
	var already *contendererrors.ErrAlreadyRunning
	require.ErrorAs(t, err, &already)
}

func TestHotIndexABTestRestoresOriginalOnFailure(t *testing.T) {
	pool := database.NewFakePool(50)
	pool.ExecFunc = func(sql string, args ...interface{}) (int64, error) {
		if strings.Contains(sql, "reverse(id::text)") {
			return 0, &pgconn.PgError{Code: pgerrcode.DeadlockDetected, Message: "deadlock detected"}
		}
		return 1, nil
	}
	engine, _ := startHotIndex(t, pool, hotIndexConfig(2))

	_, err := engine.RunABTest(context.Background(), ABTestSpec{
		Strategies: []schema.IndexStrategy{schema.IndexNone, schema.IndexReverse},
		Duration:   10 * time.Millisecond,
		Warmup:     time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "applying index strategy reverse")
	assert.Equal(t, schema.IndexBtree, engine.Status().Strategy)
}

func TestHotIndexUpdateConfig(t *testing.T) {
	pool := database.NewFakePool(50)
	engine, _ := startHotIndex(t, pool, hotIndexConfig(1))

	think := 3 * time.Millisecond
	require.NoError(t, engine.UpdateConfig(ConfigUpdate{ThinkTime: &think}))
	status := engine.Status()
	require.Len(t, status.Namespaces, 1)
	assert.Equal(t, think, status.Namespaces[0].ThinkTime)

	// Only inserts are registered, so rates cannot move elsewhere.
	rates := workload.Rates{Select: 1}
	err := engine.UpdateConfig(ConfigUpdate{Rates: &rates})
	var invalid *contendererrors.ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)

	_, err = engine.Stop(context.Background())
	require.NoError(t, err)
	err = engine.UpdateConfig(ConfigUpdate{ThinkTime: &think})
	var notRunning *contendererrors.ErrNotRunning
	require.ErrorAs(t, err, &notRunning)
}
