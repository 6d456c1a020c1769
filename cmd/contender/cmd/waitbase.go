package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/contenderproject/contender/internal/common/app"
	"github.com/contenderproject/contender/internal/contender/waitevent"
)

func init() {
	rootCmd.AddCommand(waitbaseCmd)
	waitbaseCmd.Flags().Duration("duration", 30*time.Second, "How long to observe before reporting")
}

var waitbaseCmd = &cobra.Command{
	Use:   "waitbase",
	Short: "Observe wait events without driving any load",
	Long: `Capture a wait-event baseline from pg_wait_sampling, observe the server
for the given duration and report the waits accumulated since the baseline.
Useful for measuring background noise, or a workload driven from elsewhere.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := cmd.Flags().GetDuration("duration")
		if err != nil {
			return errors.WithStack(err)
		}

		session, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer session.close()

		ctx := app.CreateContextWithShutdown()
		pool, err := session.openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		source, err := waitevent.NewPgWaitSamplingSource(ctx, pool, session.config.WaitEvents.Instance, session.config.WaitEvents.SamplePeriod)
		if err != nil {
			return err
		}
		collector := waitevent.NewCollector(source)
		if err := collector.ResetBaseline(ctx); err != nil {
			return err
		}
		log.Info("Baseline captured, observing wait events")

		runFor(ctx, duration)

		report, err := collector.Report(context.Background())
		if err != nil {
			return err
		}
		return printResult(cmd, formatWaitEventReport(report), report)
	},
}
