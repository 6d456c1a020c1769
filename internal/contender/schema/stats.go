package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/ops"
)

// GatherStats runs an ANALYZE pass with a configurable per-column statistics
// target and reports the resulting histogram metadata from pg_stats. It works
// whether or not load workers are currently running against the table.
func (m *Manager) GatherStats(ctx context.Context, ns namespace.Namespace, spec GatherStatsSpec) (*StatsReport, error) {
	base := spec.Table
	if base == "" {
		base = ops.SegmentTable
	}
	if !validIdent(base) {
		return nil, &contendererrors.ErrInvalidConfig{Name: "table", Value: base, Message: "not a valid identifier"}
	}
	if len(spec.Columns) == 0 {
		return nil, &contendererrors.ErrInvalidConfig{Name: "columns", Value: spec.Columns, Message: "at least one column is required"}
	}
	for _, column := range spec.Columns {
		if !validIdent(column) {
			return nil, &contendererrors.ErrInvalidConfig{Name: "columns", Value: column, Message: "not a valid identifier"}
		}
	}
	if spec.StatisticsTarget < 0 || spec.StatisticsTarget > 10000 {
		return nil, &contendererrors.ErrInvalidConfig{Name: "statisticsTarget", Value: spec.StatisticsTarget, Message: "must be between 0 and 10000"}
	}
	table := ns.Object(base)

	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer session.Release()

	if spec.StatisticsTarget > 0 {
		for _, column := range spec.Columns {
			alter := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s SET STATISTICS %d`,
				quoteIdent(table), quoteIdent(column), spec.StatisticsTarget)
			if _, err := session.Exec(ctx, alter); err != nil {
				return nil, errors.Wrapf(err, "setting statistics target on %s.%s", table, column)
			}
		}
	}

	if _, err := session.Exec(ctx, fmt.Sprintf(`ANALYZE %s`, quoteIdent(table))); err != nil {
		return nil, errors.Wrapf(err, "analysing %s", table)
	}

	rows, err := session.Query(ctx,
		`SELECT attname, COALESCE(n_distinct, 0)::float8, COALESCE(array_length(histogram_bounds::text::text[], 1) - 1, 0)
		 FROM pg_stats
		 WHERE schemaname = current_schema() AND tablename = $1 AND attname = ANY($2)`,
		table, spec.Columns)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	report := &StatsReport{Table: table, StatisticsTarget: spec.StatisticsTarget}
	for rows.Next() {
		var stats ColumnStats
		if err := rows.Scan(&stats.Column, &stats.NDistinct, &stats.HistogramBuckets); err != nil {
			return nil, errors.WithStack(err)
		}
		report.Columns = append(report.Columns, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Slice(report.Columns, func(i, j int) bool {
		return report.Columns[i].Column < report.Columns[j].Column
	})
	return report, nil
}
