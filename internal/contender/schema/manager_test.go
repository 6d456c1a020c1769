package schema

import (
	"context"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/namespace"
)

func plainTablePool() *database.FakePool {
	pool := database.NewFakePool(5)
	pool.QueryFunc = func(sql string, args ...interface{}) (*database.FakeRows, error) {
		if strings.Contains(sql, "pg_class") {
			return &database.FakeRows{Values: [][]interface{}{{"r"}}}, nil
		}
		return &database.FakeRows{}, nil
	}
	return pool
}

func partitionedTablePool() *database.FakePool {
	pool := database.NewFakePool(5)
	pool.QueryFunc = func(sql string, args ...interface{}) (*database.FakeRows, error) {
		if strings.Contains(sql, "pg_class") {
			return &database.FakeRows{Values: [][]interface{}{{"p"}}}, nil
		}
		return &database.FakeRows{}, nil
	}
	return pool
}

func countMatching(statements []string, substrings ...string) int {
	n := 0
	for _, stmt := range statements {
		matches := true
		for _, sub := range substrings {
			if !strings.Contains(stmt, sub) {
				matches = false
				break
			}
		}
		if matches {
			n++
		}
	}
	return n
}

func TestEnsureMixObjects(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)
	ns := namespace.Namespace("orders")

	require.NoError(t, m.EnsureMixObjects(context.Background(), ns, 1000))

	execs := pool.Execs()
	assert.Equal(t, 1, countMatching(execs, `CREATE SEQUENCE IF NOT EXISTS "orders_load_rows_id_seq"`))
	assert.Equal(t, 1, countMatching(execs, `CREATE TABLE IF NOT EXISTS "orders_load_rows"`, "PRIMARY KEY"))
	assert.Equal(t, 1, countMatching(execs, "generate_series"))
	assert.Equal(t, 1, countMatching(execs, "setval"))
}

func TestEnsureMixObjectsToleratesDuplicateSeedRows(t *testing.T) {
	pool := plainTablePool()
	pool.ExecFunc = func(sql string, args ...interface{}) (int64, error) {
		if strings.Contains(sql, "generate_series") {
			return 0, &pgconn.PgError{Code: pgerrcode.UniqueViolation}
		}
		return 1, nil
	}
	m := NewManager(pool)

	require.NoError(t, m.EnsureMixObjects(context.Background(), namespace.Namespace("orders"), 1000))
	// The sequence is still advanced past any existing rows.
	assert.Equal(t, 1, countMatching(pool.Execs(), "setval"))
}

func TestEnsureMixObjectsSkipsSeedingWhenZeroRows(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)

	require.NoError(t, m.EnsureMixObjects(context.Background(), namespace.Namespace("orders"), 0))
	assert.Equal(t, 0, countMatching(pool.Execs(), "generate_series"))
}

func TestApplyIndexStrategyBtree(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)
	ns := namespace.Namespace("hot")

	require.NoError(t, m.ApplyIndexStrategy(context.Background(), ns, IndexBtree, 0))

	execs := pool.Execs()
	assert.Equal(t, 1, countMatching(execs, `DROP INDEX IF EXISTS "hot_hot_entries_reverse_idx"`))
	assert.Equal(t, 1, countMatching(execs, `DROP CONSTRAINT IF EXISTS "hot_hot_entries_pkey"`))
	assert.Equal(t, 1, countMatching(execs, `ADD CONSTRAINT "hot_hot_entries_pkey" PRIMARY KEY (id)`))
	assert.Equal(t, 1, countMatching(execs, `ALTER SEQUENCE "hot_hot_entries_id_seq" CACHE 1`))
	// No table rebuild when the current layout is already plain.
	assert.Equal(t, 0, countMatching(execs, "DROP TABLE"))
}

func TestApplyIndexStrategyReverse(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)

	require.NoError(t, m.ApplyIndexStrategy(context.Background(), namespace.Namespace("hot"), IndexReverse, 0))

	execs := pool.Execs()
	assert.Equal(t, 1, countMatching(execs, "CREATE UNIQUE INDEX", "reverse(id::text)"))
	assert.Equal(t, 0, countMatching(execs, "ADD CONSTRAINT"))
}

func TestApplyIndexStrategyHashPartitions(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)

	require.NoError(t, m.ApplyIndexStrategy(context.Background(), namespace.Namespace("hot"), IndexHashPart, 4))

	execs := pool.Execs()
	assert.Equal(t, 1, countMatching(execs, `DROP TABLE IF EXISTS "hot_hot_entries"`))
	assert.Equal(t, 1, countMatching(execs, "PARTITION BY HASH (id)"))
	assert.Equal(t, 4, countMatching(execs, "PARTITION OF"))
	assert.Equal(t, 1, countMatching(execs, "MODULUS 4, REMAINDER 3"))
}

func TestApplyIndexStrategyRebuildsPlainTableAfterPartitioned(t *testing.T) {
	pool := partitionedTablePool()
	m := NewManager(pool)

	require.NoError(t, m.ApplyIndexStrategy(context.Background(), namespace.Namespace("hot"), IndexBtree, 0))

	execs := pool.Execs()
	assert.Equal(t, 1, countMatching(execs, `DROP TABLE IF EXISTS "hot_hot_entries"`))
	assert.Equal(t, 1, countMatching(execs, `CREATE TABLE "hot_hot_entries"`))
	assert.Equal(t, 1, countMatching(execs, "ADD CONSTRAINT"))
}

func TestApplyIndexStrategyShardedSeqBumpsSequenceCache(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)

	require.NoError(t, m.ApplyIndexStrategy(context.Background(), namespace.Namespace("hot"), IndexShardedSeq, 0))

	assert.Equal(t, 1, countMatching(pool.Execs(), "CACHE 50"))
}

func TestApplyIndexStrategyRejectsUnknownStrategy(t *testing.T) {
	m := NewManager(plainTablePool())

	err := m.ApplyIndexStrategy(context.Background(), namespace.Namespace("hot"), IndexStrategy("bitmap"), 0)
	var invalid *contendererrors.ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
}

func TestChangeSequenceCache(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)

	require.NoError(t, m.ChangeSequenceCache(context.Background(), namespace.Namespace("hot"), 100))
	assert.Equal(t, 1, countMatching(pool.Execs(), `ALTER SEQUENCE "hot_hot_entries_id_seq" CACHE 100`))

	err := m.ChangeSequenceCache(context.Background(), namespace.Namespace("hot"), 0)
	var invalid *contendererrors.ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
}

func TestEnsureAndInvalidateRoutine(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)
	ns := namespace.Namespace("lib")

	require.NoError(t, m.EnsureRoutine(context.Background(), ns))
	require.NoError(t, m.InvalidateRoutine(context.Background(), ns))

	assert.Equal(t, 2, countMatching(pool.Execs(), `CREATE OR REPLACE FUNCTION "lib_busy_work"()`))
}

func TestEnsureSegmentObjectsPreallocated(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)

	require.NoError(t, m.EnsureSegmentObjects(context.Background(), namespace.Namespace("seg"), AllocationPreallocated, 500))

	execs := pool.Execs()
	assert.Equal(t, 1, countMatching(execs, `CREATE TABLE IF NOT EXISTS "seg_segment_entries"`))
	assert.Equal(t, 1, countMatching(execs, "repeat('x', 1024)"))
	assert.Equal(t, 1, countMatching(execs, `DELETE FROM "seg_segment_entries"`))
}

func TestEnsureSegmentObjectsPartitioned(t *testing.T) {
	pool := plainTablePool()
	m := NewManager(pool)

	require.NoError(t, m.EnsureSegmentObjects(context.Background(), namespace.Namespace("seg"), AllocationPartitioned, 3))

	execs := pool.Execs()
	assert.Equal(t, 1, countMatching(execs, "PARTITION BY HASH (ref)"))
	assert.Equal(t, 3, countMatching(execs, "PARTITION OF"))
}

func TestDropNamespaceObjectsCollectsAllFailures(t *testing.T) {
	pool := plainTablePool()
	pool.ExecFunc = func(sql string, args ...interface{}) (int64, error) {
		if strings.Contains(sql, "SEQUENCE") {
			return 0, &pgconn.PgError{Code: pgerrcode.InsufficientPrivilege}
		}
		return 1, nil
	}
	m := NewManager(pool)

	err := m.DropNamespaceObjects(context.Background(), namespace.Namespace("orders"))
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	// All six drops are still attempted.
	assert.Equal(t, 6, countMatching(pool.Execs(), "DROP"))
}
