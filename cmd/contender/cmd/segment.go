package cmd

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/contenderproject/contender/internal/common/app"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/scenario"
	"github.com/contenderproject/contender/internal/contender/schema"
)

func init() {
	rootCmd.AddCommand(segmentCmd)
	segmentCmd.Flags().Duration("duration", 0, "How long to run the scenario; zero runs until interrupted")
	segmentCmd.Flags().String("namespace", "", "Namespace for the scenario's objects; generated when empty")
	segmentCmd.Flags().Int("workers", 4, "Number of concurrent inserters")
	segmentCmd.Flags().Duration("think", 0, "Pause between transactions")
	segmentCmd.Flags().String("policy", "none", "Allocation policy for the segment table: none, preallocated or partitioned")
	segmentCmd.Flags().Int("count", 0, "Policy tuning: filler rows to pre-extend with or hash partitions; zero picks the default")
	segmentCmd.Flags().StringSlice("analyze-columns", nil, "Columns to analyze and report histogram metadata for after the run")
	segmentCmd.Flags().Int("statistics-target", 100, "Per-column statistics target for the analyze pass; zero keeps the column default")
}

var segmentCmd = &cobra.Command{
	Use:   "segment [./path/to/segment.yaml]",
	Short: "Run wide-row inserts contending on storage extension",
	Long: `Run workers inserting kilobyte-sized rows into one table, making storage
extension itself the point of contention. The table's allocation policy is
fixed at start; optionally the run ends with an analyze pass reporting
per-column histogram metadata.

Example segment.yaml:

    namespace: seg
    concurrency: 8
    policy: preallocated
    count: 4096
    gatherStats:
      statisticsTarget: 200
      columns: [ref, created_at]
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := cmd.Flags().GetDuration("duration")
		if err != nil {
			return errors.WithStack(err)
		}
		config, statsSpec, err := segmentConfigFrom(cmd, args)
		if err != nil {
			return err
		}

		session, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer session.close()

		engine := scenario.NewSegmentEngine(session.services())
		session.serveMetrics(engine)

		ctx := app.CreateContextWithShutdown()
		if err := engine.Start(ctx, config); err != nil {
			return err
		}
		runFor(ctx, duration)

		// The analyze pass runs before Stop so it reuses the running pool and
		// sees the table exactly as the workload left it.
		var report *schema.StatsReport
		if statsSpec != nil {
			report, err = engine.GatherStats(context.Background(), config.Namespace, *statsSpec)
			if err != nil {
				log.WithError(err).Error("Statistics gathering failed")
			}
		}

		final, err := engine.Stop(context.Background())
		if err != nil {
			return err
		}

		text := formatFinalStats(final)
		if report != nil {
			text += "\n" + formatStatsReport(report)
		}
		return printResult(cmd, text, segmentResult{Final: final, Stats: report})
	},
}

// segmentResult is the combined output of a segment run.
type segmentResult struct {
	Final *scenario.FinalStats `json:"final"`
	Stats *schema.StatsReport  `json:"stats,omitempty"`
}

// segmentSpec is the file form of a segment run: the workload config plus an
// optional trailing analyze pass.
type segmentSpec struct {
	scenario.SegmentConfig `yaml:",inline"`
	GatherStats            *schema.GatherStatsSpec `yaml:"gatherStats"`
}

func segmentConfigFrom(cmd *cobra.Command, args []string) (scenario.SegmentConfig, *schema.GatherStatsSpec, error) {
	var spec segmentSpec
	if len(args) > 0 {
		if err := bindSpec(args[0], &spec); err != nil {
			return spec.SegmentConfig, nil, err
		}
	} else {
		flags := cmd.Flags()
		namespaceName, err := flags.GetString("namespace")
		if err != nil {
			return spec.SegmentConfig, nil, errors.WithStack(err)
		}
		spec.Namespace = namespace.Namespace(namespaceName)
		if spec.Concurrency, err = flags.GetInt("workers"); err != nil {
			return spec.SegmentConfig, nil, errors.WithStack(err)
		}
		if spec.ThinkTime, err = flags.GetDuration("think"); err != nil {
			return spec.SegmentConfig, nil, errors.WithStack(err)
		}
		policyName, err := flags.GetString("policy")
		if err != nil {
			return spec.SegmentConfig, nil, errors.WithStack(err)
		}
		if spec.Policy, err = schema.ParseAllocationPolicy(policyName); err != nil {
			return spec.SegmentConfig, nil, err
		}
		if spec.Count, err = flags.GetInt("count"); err != nil {
			return spec.SegmentConfig, nil, errors.WithStack(err)
		}
		columns, err := flags.GetStringSlice("analyze-columns")
		if err != nil {
			return spec.SegmentConfig, nil, errors.WithStack(err)
		}
		if len(columns) > 0 {
			target, err := flags.GetInt("statistics-target")
			if err != nil {
				return spec.SegmentConfig, nil, errors.WithStack(err)
			}
			spec.GatherStats = &schema.GatherStatsSpec{StatisticsTarget: target, Columns: columns}
		}
	}
	spec.Namespace = ensureNamespace(spec.Namespace)
	return spec.SegmentConfig, spec.GatherStats, nil
}
