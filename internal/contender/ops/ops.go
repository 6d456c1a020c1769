// Package ops is the catalogue of parameterized operations the workload
// workers execute. Operations are pure functions of (tx, namespace, rand);
// each statement runs inside the transaction the caller owns. SQL text is
// built with goqu, which centralizes identifier quoting, and cached per
// (operation, namespace).
package ops

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgtype"
	"github.com/pkg/errors"

	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/namespace"
)

// Base names of the database objects the scenarios drive. Namespaces prefix
// these, see namespace.Object.
const (
	MixTable     = "load_rows"
	MixSequence  = "load_rows_id_seq"
	HotTable     = "hot_entries"
	HotSequence  = "hot_entries_id_seq"
	SegmentTable = "segment_entries"
	Routine      = "busy_work"
)

var dialect = goqu.Dialect("postgres")

// statements caches built SQL text so the goqu build cost is paid once per
// (operation, namespace).
var statements *lru.Cache

func init() {
	var err error
	statements, err = lru.New(512)
	if err != nil {
		panic(err)
	}
}

func cachedSQL(key string, build func() (string, error)) (string, error) {
	if v, ok := statements.Get(key); ok {
		return v.(string), nil
	}
	sql, err := build()
	if err != nil {
		return "", err
	}
	statements.Add(key, sql)
	return sql, nil
}

// InsertMixRow inserts one row with a fresh reference id and a random payload.
// The row id comes from the namespace's feeding sequence.
func InsertMixRow(ctx context.Context, tx database.Tx, ns namespace.Namespace, rnd *rand.Rand) error {
	sql, err := cachedSQL("mix_insert/"+ns.String(), func() (string, error) {
		sql, _, err := dialect.Insert(ns.Object(MixTable)).
			Prepared(true).
			Cols("ref", "payload").
			Vals(goqu.Vals{"", ""}).
			ToSQL()
		return sql, errors.WithStack(err)
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sql, uuid.New().String(), randomPayload(rnd, 64, 256))
	return err
}

// UpdateMixRow rewrites the payload of a random row in the seeded id range.
// The row may have been deleted by another worker; affecting zero rows is
// still a successful operation.
func UpdateMixRow(ctx context.Context, tx database.Tx, ns namespace.Namespace, rnd *rand.Rand, maxID int64) error {
	sql, err := cachedSQL("mix_update/"+ns.String(), func() (string, error) {
		// Record keys are sorted by goqu, so parameters are payload then id.
		sql, _, err := dialect.Update(ns.Object(MixTable)).
			Prepared(true).
			Set(goqu.Record{"payload": "", "updated_at": goqu.L("now()")}).
			Where(goqu.C("id").Eq(0)).
			ToSQL()
		return sql, errors.WithStack(err)
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sql, randomPayload(rnd, 64, 256), randomID(rnd, maxID))
	return err
}

// DeleteMixRow deletes a random row in the seeded id range.
func DeleteMixRow(ctx context.Context, tx database.Tx, ns namespace.Namespace, rnd *rand.Rand, maxID int64) error {
	sql, err := cachedSQL("mix_delete/"+ns.String(), func() (string, error) {
		sql, _, err := dialect.Delete(ns.Object(MixTable)).
			Prepared(true).
			Where(goqu.C("id").Eq(0)).
			ToSQL()
		return sql, errors.WithStack(err)
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sql, randomID(rnd, maxID))
	return err
}

// SelectMixRow reads a random row in the seeded id range and drains the
// result. updated_at is null until a worker first updates the row.
func SelectMixRow(ctx context.Context, tx database.Tx, ns namespace.Namespace, rnd *rand.Rand, maxID int64) error {
	sql, err := cachedSQL("mix_select/"+ns.String(), func() (string, error) {
		sql, _, err := dialect.From(ns.Object(MixTable)).
			Prepared(true).
			Select(goqu.C("ref"), goqu.C("payload"), goqu.C("updated_at")).
			Where(goqu.C("id").Eq(0)).
			ToSQL()
		return sql, errors.WithStack(err)
	})
	if err != nil {
		return err
	}
	rows, err := tx.Query(ctx, sql, randomID(rnd, maxID))
	if err != nil {
		return err
	}
	defer rows.Close()
	var ref, payload string
	var updatedAt pgtype.Timestamptz
	for rows.Next() {
		if err := rows.Scan(&ref, &payload, &updatedAt); err != nil {
			return err
		}
	}
	return rows.Err()
}

// InsertHotRow appends one row to the hot table, taking its id from the
// feeding sequence via the column default.
func InsertHotRow(ctx context.Context, tx database.Tx, ns namespace.Namespace, rnd *rand.Rand) error {
	sql, err := cachedSQL("hot_insert/"+ns.String(), func() (string, error) {
		sql, _, err := dialect.Insert(ns.Object(HotTable)).
			Prepared(true).
			Cols("ref", "payload").
			Vals(goqu.Vals{"", ""}).
			ToSQL()
		return sql, errors.WithStack(err)
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sql, uuid.New().String(), randomPayload(rnd, 32, 64))
	return err
}

// InsertHotRowSharded composes the row id client side as
// (shard << 40) | nextval, so writers on different shards land in disjoint
// key ranges.
func InsertHotRowSharded(ctx context.Context, tx database.Tx, ns namespace.Namespace, rnd *rand.Rand, shard int64) error {
	sql, err := cachedSQL("hot_insert_sharded/"+ns.String(), func() (string, error) {
		// The sequence name cannot be a bind parameter; the namespace is
		// validated so interpolating it here is safe.
		idExpr := goqu.L(fmt.Sprintf("(?::bigint << 40) | nextval('%s')", ns.Object(HotSequence)), 0)
		sql, _, err := dialect.Insert(ns.Object(HotTable)).
			Prepared(true).
			Cols("id", "ref", "payload").
			Vals(goqu.Vals{idExpr, "", ""}).
			ToSQL()
		return sql, errors.WithStack(err)
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sql, shard, uuid.New().String(), randomPayload(rnd, 32, 64))
	return err
}

// CallRoutine invokes the namespaced busy-work routine once.
func CallRoutine(ctx context.Context, tx database.Tx, ns namespace.Namespace) error {
	sql, err := cachedSQL("routine_call/"+ns.String(), func() (string, error) {
		sql, _, err := dialect.From().
			Select(goqu.Func(ns.Object(Routine))).
			ToSQL()
		return sql, errors.WithStack(err)
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sql)
	return err
}

// InsertSegmentRow appends one wide row so that sustained inserts keep
// extending the table's storage.
func InsertSegmentRow(ctx context.Context, tx database.Tx, ns namespace.Namespace, rnd *rand.Rand) error {
	sql, err := cachedSQL("segment_insert/"+ns.String(), func() (string, error) {
		sql, _, err := dialect.Insert(ns.Object(SegmentTable)).
			Prepared(true).
			Cols("ref", "filler").
			Vals(goqu.Vals{"", ""}).
			ToSQL()
		return sql, errors.WithStack(err)
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sql, uuid.New().String(), randomPayload(rnd, 512, 1024))
	return err
}

const payloadAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomPayload(rnd *rand.Rand, minLen, maxLen int) string {
	n := minLen + rnd.Intn(maxLen-minLen+1)
	b := make([]byte, n)
	for i := range b {
		b[i] = payloadAlphabet[rnd.Intn(len(payloadAlphabet))]
	}
	return string(b)
}

func randomID(rnd *rand.Rand, maxID int64) int64 {
	if maxID < 1 {
		maxID = 1
	}
	return 1 + rnd.Int63n(maxID)
}
