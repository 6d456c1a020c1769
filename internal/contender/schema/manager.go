// Package schema is the data provisioning service for the scenario engines.
// All DDL text lives here and in no other package. Provisioning is not
// transactional: a failed step leaves earlier objects in place for the caller
// to inspect, and nothing is dropped implicitly.
package schema

import (
	"context"
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/common/util"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/ops"
)

const (
	defaultHashPartitions    = 8
	defaultSegmentPartitions = 8
	defaultPreallocateRows   = 10000
	// Sequence cache used by the sharded-sequence strategy so each backend
	// hands out ids from its own cached block.
	shardedSeqCache = 50
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Manager provisions and tears down the database objects scenarios run
// against.
type Manager struct {
	pool database.Pool
}

func NewManager(pool database.Pool) *Manager {
	return &Manager{pool: pool}
}

// EnsureMixObjects creates the sequence and table one mix namespace runs
// against and populates seedRows rows. Re-running against a previously seeded
// namespace is a no-op: duplicate seed identifiers are tolerated.
func (m *Manager) EnsureMixObjects(ctx context.Context, ns namespace.Namespace, seedRows int64) error {
	table := ns.Object(ops.MixTable)
	seq := ns.Object(ops.MixSequence)
	err := m.execAll(ctx,
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, quoteIdent(seq)),
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (id bigint PRIMARY KEY DEFAULT nextval('%s'), ref uuid NOT NULL, payload text NOT NULL, updated_at timestamptz)`,
			quoteIdent(table), seq),
	)
	if err != nil {
		return err
	}
	if seedRows > 0 {
		return m.seedMixRows(ctx, ns, seedRows)
	}
	return nil
}

func (m *Manager) seedMixRows(ctx context.Context, ns namespace.Namespace, seedRows int64) error {
	table := ns.Object(ops.MixTable)
	seq := ns.Object(ops.MixSequence)

	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer session.Release()

	seed := fmt.Sprintf(
		`INSERT INTO %s (id, ref, payload) SELECT i, md5(random()::text)::uuid, md5(random()::text) FROM generate_series(1, $1) AS i`,
		quoteIdent(table))
	if _, err := session.Exec(ctx, seed, seedRows); err != nil {
		if !database.IsUniqueViolation(err) {
			return errors.Wrapf(err, "seeding %d rows into %s", seedRows, table)
		}
		// Seed rows from an earlier run are already present.
		log.WithField("namespace", ns.String()).Debug("seed rows already present, skipping population")
	}

	// Keep the sequence ahead of the seed range and of any rows left over
	// from earlier runs, so defaulted inserts cannot collide.
	setval := fmt.Sprintf(
		`SELECT setval('%s', GREATEST(COALESCE((SELECT MAX(id) FROM %s), $1), $1))`,
		seq, quoteIdent(table))
	_, err = session.Exec(ctx, setval, seedRows)
	return errors.WithStack(err)
}

// EnsureHotObjects creates the hot table and its feeding sequence, then
// applies the requested index strategy.
func (m *Manager) EnsureHotObjects(ctx context.Context, ns namespace.Namespace, strategy IndexStrategy, partitions int) error {
	table := ns.Object(ops.HotTable)
	seq := ns.Object(ops.HotSequence)
	err := m.execAll(ctx,
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, quoteIdent(seq)),
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (id bigint NOT NULL DEFAULT nextval('%s'), ref uuid NOT NULL, payload text NOT NULL)`,
			quoteIdent(table), seq),
	)
	if err != nil {
		return err
	}
	return m.ApplyIndexStrategy(ctx, ns, strategy, partitions)
}

// ApplyIndexStrategy swaps the hot table's key layout. It is designed to run
// while writers continue: those racing the swap see transient undefined-object
// or duplicate-key errors, which the workload layer counts as ordinary
// operation errors.
func (m *Manager) ApplyIndexStrategy(ctx context.Context, ns namespace.Namespace, strategy IndexStrategy, partitions int) error {
	if !indexStrategies[strategy] {
		return &contendererrors.ErrInvalidConfig{
			Name:    "indexStrategy",
			Value:   string(strategy),
			Message: "unknown strategy",
		}
	}
	table := ns.Object(ops.HotTable)
	seq := ns.Object(ops.HotSequence)
	pkey := table + "_pkey"
	reverseIdx := table + "_reverse_idx"

	partitioned, err := m.isPartitioned(ctx, table)
	if err != nil {
		return err
	}

	plainColumns := fmt.Sprintf(
		`id bigint NOT NULL DEFAULT nextval('%s'), ref uuid NOT NULL, payload text NOT NULL`, seq)

	var statements []string
	if strategy != IndexHashPart && partitioned {
		// Coming back from a partitioned layout needs a table rebuild.
		statements = append(statements,
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table)),
			fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(table), plainColumns),
		)
	}

	dropReverse := fmt.Sprintf(`DROP INDEX IF EXISTS %s`, quoteIdent(reverseIdx))
	dropPkey := fmt.Sprintf(`ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s`, quoteIdent(table), quoteIdent(pkey))
	addPkey := fmt.Sprintf(`ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (id)`, quoteIdent(table), quoteIdent(pkey))

	switch strategy {
	case IndexNone:
		statements = append(statements, dropReverse, dropPkey, sequenceCacheSQL(seq, 1))
	case IndexBtree:
		statements = append(statements, dropReverse, dropPkey, addPkey, sequenceCacheSQL(seq, 1))
	case IndexReverse:
		statements = append(statements,
			dropPkey,
			dropReverse,
			fmt.Sprintf(`CREATE UNIQUE INDEX %s ON %s (reverse(id::text))`, quoteIdent(reverseIdx), quoteIdent(table)),
			sequenceCacheSQL(seq, 1),
		)
	case IndexShardedSeq:
		statements = append(statements, dropReverse, dropPkey, addPkey, sequenceCacheSQL(seq, shardedSeqCache))
	case IndexHashPart:
		if partitions < 1 {
			partitions = defaultHashPartitions
		}
		statements = append(statements,
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table)),
			fmt.Sprintf(`CREATE TABLE %s (%s, PRIMARY KEY (id)) PARTITION BY HASH (id)`, quoteIdent(table), plainColumns),
		)
		for i := 0; i < partitions; i++ {
			statements = append(statements, fmt.Sprintf(
				`CREATE TABLE %s PARTITION OF %s FOR VALUES WITH (MODULUS %d, REMAINDER %d)`,
				quoteIdent(fmt.Sprintf("%s_p%d", table, i)), quoteIdent(table), partitions, i))
		}
		statements = append(statements, sequenceCacheSQL(seq, 1))
	}

	log.WithField("namespace", ns.String()).Infof("Applying index strategy %s", strategy)
	return m.execAll(ctx, statements...)
}

// ChangeSequenceCache alters the hot sequence's cache size while the workload
// continues.
func (m *Manager) ChangeSequenceCache(ctx context.Context, ns namespace.Namespace, cache int) error {
	if cache < 1 {
		return &contendererrors.ErrInvalidConfig{
			Name:    "sequenceCache",
			Value:   cache,
			Message: "must be at least 1",
		}
	}
	return m.execAll(ctx, sequenceCacheSQL(ns.Object(ops.HotSequence), cache))
}

// EnsureRoutine creates the busy-work routine the cache-invalidation scenario
// executes.
func (m *Manager) EnsureRoutine(ctx context.Context, ns namespace.Namespace) error {
	return m.execAll(ctx, routineSQL(ns))
}

// InvalidateRoutine forces recompilation of the busy-work routine by replacing
// it with itself. Sessions executing it concurrently observe plan cache
// invalidation, which is the contention this scenario exists to provoke.
func (m *Manager) InvalidateRoutine(ctx context.Context, ns namespace.Namespace) error {
	return m.execAll(ctx, routineSQL(ns))
}

// EnsureSegmentObjects creates the insert-only segment table with the given
// allocation policy. The policy is fixed for the lifetime of the table.
func (m *Manager) EnsureSegmentObjects(ctx context.Context, ns namespace.Namespace, policy AllocationPolicy, count int) error {
	if !allocationPolicies[policy] {
		return &contendererrors.ErrInvalidConfig{
			Name:    "allocationPolicy",
			Value:   string(policy),
			Message: "unknown policy",
		}
	}
	table := ns.Object(ops.SegmentTable)
	columns := `ref uuid NOT NULL, filler text NOT NULL, created_at timestamptz NOT NULL DEFAULT now()`

	switch policy {
	case AllocationNone:
		return m.execAll(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, quoteIdent(table), columns))
	case AllocationPreallocated:
		if count < 1 {
			count = defaultPreallocateRows
		}
		if err := m.execAll(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, quoteIdent(table), columns)); err != nil {
			return err
		}
		return m.preExtend(ctx, table, count)
	case AllocationPartitioned:
		if count < 1 {
			count = defaultSegmentPartitions
		}
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s) PARTITION BY HASH (ref)`, quoteIdent(table), columns),
		}
		for i := 0; i < count; i++ {
			statements = append(statements, fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES WITH (MODULUS %d, REMAINDER %d)`,
				quoteIdent(fmt.Sprintf("%s_p%d", table, i)), quoteIdent(table), count, i))
		}
		return m.execAll(ctx, statements...)
	}
	return nil
}

// preExtend writes then deletes filler rows so the table's pages stay
// allocated but empty.
func (m *Manager) preExtend(ctx context.Context, table string, rows int) error {
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer session.Release()

	insert := fmt.Sprintf(
		`INSERT INTO %s (ref, filler) SELECT md5(random()::text)::uuid, repeat('x', 1024) FROM generate_series(1, $1)`,
		quoteIdent(table))
	if _, err := session.Exec(ctx, insert, rows); err != nil {
		return errors.Wrapf(err, "pre-extending %s", table)
	}
	_, err = session.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, quoteIdent(table)))
	return errors.WithStack(err)
}

// DropNamespaceObjects removes every object the scenarios may have created
// under ns. Failures are collected rather than aborting, so one missing
// object does not strand the rest.
func (m *Manager) DropNamespaceObjects(ctx context.Context, ns namespace.Namespace) error {
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer session.Release()

	var result *multierror.Error
	statements := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(ns.Object(ops.MixTable))),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(ns.Object(ops.HotTable))),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(ns.Object(ops.SegmentTable))),
		fmt.Sprintf(`DROP SEQUENCE IF EXISTS %s`, quoteIdent(ns.Object(ops.MixSequence))),
		fmt.Sprintf(`DROP SEQUENCE IF EXISTS %s`, quoteIdent(ns.Object(ops.HotSequence))),
		fmt.Sprintf(`DROP FUNCTION IF EXISTS %s()`, quoteIdent(ns.Object(ops.Routine))),
	}
	for _, stmt := range statements {
		if _, err := session.Exec(ctx, stmt); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "executing %q", stmt))
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) execAll(ctx context.Context, statements ...string) error {
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer session.Release()
	for _, stmt := range statements {
		if _, err := session.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "executing %q", util.Truncate(stmt, 120))
		}
	}
	return nil
}

func (m *Manager) isPartitioned(ctx context.Context, table string) (bool, error) {
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer session.Release()

	rows, err := session.Query(ctx,
		`SELECT relkind::text FROM pg_class WHERE relname = $1 AND relkind IN ('r', 'p')`, table)
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer rows.Close()
	var relkind string
	for rows.Next() {
		if err := rows.Scan(&relkind); err != nil {
			return false, errors.WithStack(err)
		}
	}
	if err := rows.Err(); err != nil {
		return false, errors.WithStack(err)
	}
	return relkind == "p", nil
}

func sequenceCacheSQL(seq string, cache int) string {
	return fmt.Sprintf(`ALTER SEQUENCE %s CACHE %d`, quoteIdent(seq), cache)
}

func routineSQL(ns namespace.Namespace) string {
	return fmt.Sprintf(
		`CREATE OR REPLACE FUNCTION %s() RETURNS bigint AS $fn$
DECLARE
	total bigint := 0;
BEGIN
	FOR i IN 1..100 LOOP
		total := total + i * i;
	END LOOP;
	RETURN total;
END;
$fn$ LANGUAGE plpgsql`, quoteIdent(ns.Object(ops.Routine)))
}

// quoteIdent double-quotes an identifier. Names reaching this package are
// namespace-derived (validated on construction) or base names declared in
// ops; user-supplied column names are checked against identPattern first.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

func validIdent(name string) bool {
	return identPattern.MatchString(name)
}
