package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/contenderproject/contender/internal/common/app"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/scenario"
	"github.com/contenderproject/contender/internal/contender/schema"
)

func init() {
	rootCmd.AddCommand(hotindexCmd)
	hotindexCmd.Flags().Duration("duration", 0, "How long to run the scenario; zero runs until interrupted")
	hotindexCmd.Flags().String("namespace", "", "Namespace for the scenario's objects; generated when empty")
	hotindexCmd.Flags().Int("workers", 4, "Number of concurrent inserters")
	hotindexCmd.Flags().Duration("think", 0, "Pause between transactions")
	hotindexCmd.Flags().String("strategy", "btree", "Index strategy to run under: none, btree, reverse, hashpart or shardedseq")
	hotindexCmd.Flags().Int("partitions", 0, "Hash partitions for the hashpart strategy; zero picks the default")
	hotindexCmd.Flags().Int("sequence-cache", 0, "Per-session sequence cache; zero leaves the sequence untouched")
}

var hotindexCmd = &cobra.Command{
	Use:   "hotindex [./path/to/hotindex.yaml]",
	Short: "Run monotonic inserts against one hot index",
	Long: `Run monotonic key inserts into a single table, the classic rightmost
leaf hotspot. The index strategy the table runs under comes from the spec
file or --strategy; without a spec file the workload is shaped entirely by
flags.

Example hotindex.yaml:

    namespace: hot
    concurrency: 16
    thinkTime: 1ms
    strategy: shardedseq
    sequenceCache: 100
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := cmd.Flags().GetDuration("duration")
		if err != nil {
			return errors.WithStack(err)
		}
		config, err := hotIndexConfig(cmd, args)
		if err != nil {
			return err
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
		runFor(ctx, duration)

		final, err := engine.Stop(context.Background())
		if err != nil {
			return err
		}
		return printResult(cmd, formatFinalStats(final), final)
	},
}

func hotIndexConfig(cmd *cobra.Command, args []string) (scenario.HotIndexConfig, error) {
	var config scenario.HotIndexConfig
	if len(args) > 0 {
		if err := bindSpec(args[0], &config); err != nil {
			return config, err
		}
	} else {
		flags := cmd.Flags()
		namespaceName, err := flags.GetString("namespace")
		if err != nil {
			return config, errors.WithStack(err)
		}
		config.Namespace = namespace.Namespace(namespaceName)
		if config.Concurrency, err = flags.GetInt("workers"); err != nil {
			return config, errors.WithStack(err)
		}
		if config.ThinkTime, err = flags.GetDuration("think"); err != nil {
			return config, errors.WithStack(err)
		}
		strategyName, err := flags.GetString("strategy")
		if err != nil {
			return config, errors.WithStack(err)
		}
		if config.Strategy, err = schema.ParseIndexStrategy(strategyName); err != nil {
			return config, err
		}
		if config.Partitions, err = flags.GetInt("partitions"); err != nil {
			return config, errors.WithStack(err)
		}
		if config.SequenceCache, err = flags.GetInt("sequence-cache"); err != nil {
			return config, errors.WithStack(err)
		}
	}
	config.Namespace = ensureNamespace(config.Namespace)
	return config, nil
}
