package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/common/util"
	"github.com/contenderproject/contender/internal/contender/scenario"
	"github.com/contenderproject/contender/internal/contender/schema"
	"github.com/contenderproject/contender/internal/contender/waitevent"
	"github.com/contenderproject/contender/internal/contender/workload"
)

// printResult renders a command's result in the format selected with
// --output: the text rendering, or the result marshalled as yaml or json.
func printResult(cmd *cobra.Command, text string, result interface{}) error {
	format, err := cmd.Root().PersistentFlags().GetString("output")
	if err != nil {
		return errors.WithStack(err)
	}
	switch strings.ToLower(format) {
	case "", "text":
		fmt.Fprintln(cmd.OutOrStdout(), text)
	case "yaml":
		b, err := yaml.Marshal(result)
		if err != nil {
			return errors.WithStack(err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(b))
	case "json":
		b, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errors.WithStack(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
	default:
		return &contendererrors.ErrInvalidConfig{
			Name:    "output",
			Value:   format,
			Message: `must be one of "text", "yaml" or "json"`,
		}
	}
	return nil
}

func formatFinalStats(final *scenario.FinalStats) string {
	w := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Writef("Run:\t%s\n", final.RunID)
	w.Writef("Scenario:\t%s\n", final.Scenario)
	w.Writef("Runtime:\t%s\n", final.Runtime.Round(time.Millisecond))
	w.Writef("Transactions:\t%d\n", final.Totals.Transactions)
	w.Writef("Operations:\t%d inserts, %d updates, %d deletes, %d selects\n",
		final.Totals.Inserts, final.Totals.Updates, final.Totals.Deletes, final.Totals.Selects)
	if final.Totals.Invalidations > 0 {
		w.Writef("Invalidations:\t%d\n", final.Totals.Invalidations)
	}
	w.Writef("Errors:\t%d\n", final.Totals.Errors)
	if final.Totals.ExpectedErrors > 0 {
		w.Writef("Expected errors:\t%d\n", final.Totals.ExpectedErrors)
	}
	if final.Runtime > 0 {
		w.Writef("Throughput:\t%.1f tx/s\n", float64(final.Totals.Transactions)/final.Runtime.Seconds())
	}
	w.Writef("Latency:\t%s\n", formatLatency(final.Latency))
	if len(final.Namespaces) > 0 {
		w.Writef("Namespaces:\n")
		for _, name := range sortedNamespaces(final.Namespaces) {
			nsFinal := final.Namespaces[name]
			w.Writef("  %s:\t%d tx, %d errors, %s\n",
				name, nsFinal.Totals.Transactions, nsFinal.Totals.Errors, formatLatency(nsFinal.Latency))
		}
	}
	return w.String()
}

func formatLatency(latency workload.LatencySummary) string {
	if latency.Count == 0 {
		return "no transactions recorded"
	}
	render := func(d time.Duration) string {
		return d.Round(10 * time.Microsecond).String()
	}
	summary := fmt.Sprintf("mean %s", render(latency.Mean))
	// Percentiles are only present where a single histogram backs the summary.
	if latency.P50 > 0 || latency.P95 > 0 || latency.P99 > 0 {
		summary += fmt.Sprintf(", p50 %s, p95 %s, p99 %s, max %s",
			render(latency.P50), render(latency.P95), render(latency.P99), render(latency.Max))
	}
	return summary
}

func formatABTestResult(result *scenario.ABTestResult) string {
	w := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Writef("Run:\t%s\n", result.RunID)
	w.Writef("Original strategy:\t%s\n", result.Original)
	w.Writef("Winner:\t%s\n", result.Winner)
	w.Writef("Strategy\tSamples\tMean TPS\tMean latency\n")
	for _, variant := range result.Variants {
		w.Writef("%s\t%d\t%.1f\t%s\n",
			variant.Strategy, variant.Samples, variant.MeanTPS, variant.MeanLatency.Round(10*time.Microsecond))
	}
	return w.String()
}

func formatStatsReport(report *schema.StatsReport) string {
	w := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Writef("Table:\t%s\n", report.Table)
	w.Writef("Statistics target:\t%d\n", report.StatisticsTarget)
	w.Writef("Column\tDistinct\tHistogram buckets\n")
	for _, column := range report.Columns {
		w.Writef("%s\t%s\t%d\n", column.Column, formatNDistinct(column.NDistinct), column.HistogramBuckets)
	}
	return w.String()
}

// formatNDistinct renders pg_stats n_distinct, where negative values are the
// fraction of rows that are distinct.
func formatNDistinct(nDistinct float64) string {
	if nDistinct < 0 {
		return fmt.Sprintf("%.0f%% of rows", -nDistinct*100)
	}
	return fmt.Sprintf("%.0f", nDistinct)
}

func formatWaitEventReport(report *waitevent.Report) string {
	if len(report.Events) == 0 {
		return "No wait events recorded"
	}
	w := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Writef("Instance\tEvent\tWaits\tTime waited\tAvg wait\n")
	for _, waitEvent := range report.Events {
		w.Writef("%s\t%s\t%d\t%.1fms\t%.2fms\n",
			waitEvent.Instance, waitEvent.Event, waitEvent.Waits, waitEvent.TimeWaitedMs, waitEvent.AvgWaitMs)
	}
	return w.String()
}

func sortedNamespaces(namespaces map[string]scenario.NamespaceFinalStats) []string {
	names := maps.Keys(namespaces)
	slices.Sort(names)
	return names
}
