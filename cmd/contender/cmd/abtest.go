package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/contenderproject/contender/internal/common/app"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/scenario"
	"github.com/contenderproject/contender/internal/contender/schema"
)

func init() {
	rootCmd.AddCommand(abtestCmd)
	abtestCmd.Flags().String("namespace", "", "Namespace for the scenario's objects; generated when empty")
	abtestCmd.Flags().Int("workers", 4, "Number of concurrent inserters")
	abtestCmd.Flags().Duration("think", 0, "Pause between transactions")
	abtestCmd.Flags().StringSlice("strategies", []string{"btree", "reverse"}, "Index strategies to compare, applied in order")
	abtestCmd.Flags().Duration("window", 10*time.Second, "Measurement window per strategy")
	abtestCmd.Flags().Duration("warmup", 2*time.Second, "Settle time after each strategy swap before measuring")
}

var abtestCmd = &cobra.Command{
	Use:   "abtest",
	Short: "Compare index strategies under a live insert workload",
	Long: `Start the hot index insert workload, then apply each candidate strategy
in turn and measure its insert throughput over a fixed window. The original
strategy is restored afterwards and the strategies are ranked by mean TPS.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		namespaceName, err := flags.GetString("namespace")
		if err != nil {
			return errors.WithStack(err)
		}
		workers, err := flags.GetInt("workers")
		if err != nil {
			return errors.WithStack(err)
		}
		think, err := flags.GetDuration("think")
		if err != nil {
			return errors.WithStack(err)
		}
		strategyNames, err := flags.GetStringSlice("strategies")
		if err != nil {
			return errors.WithStack(err)
		}
		window, err := flags.GetDuration("window")
		if err != nil {
			return errors.WithStack(err)
		}
		warmup, err := flags.GetDuration("warmup")
		if err != nil {
			return errors.WithStack(err)
		}
		strategies := make([]schema.IndexStrategy, len(strategyNames))
		for i, name := range strategyNames {
			if strategies[i], err = schema.ParseIndexStrategy(name); err != nil {
				return err
			}
		}
		config := scenario.HotIndexConfig{
			Namespace:   ensureNamespace(namespace.Namespace(namespaceName)),
			Concurrency: workers,
			ThinkTime:   think,
		}

		session, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer session.close()

		engine := scenario.NewHotIndexEngine(session.services())
		session.serveMetrics(engine)

		ctx := app.CreateContextWithShutdown()
		if err := engine.Start(ctx, config); err != nil {
			return err
		}
		result, abErr := engine.RunABTest(ctx, scenario.ABTestSpec{
			Strategies: strategies,
			Duration:   window,
			Warmup:     warmup,
		})
		if _, err := engine.Stop(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to stop the backing workload")
		}
		if abErr != nil {
			return abErr
		}
		return printResult(cmd, formatABTestResult(result), result)
	},
}
