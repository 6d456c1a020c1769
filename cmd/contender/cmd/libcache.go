package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/contenderproject/contender/internal/common/app"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/scenario"
)

func init() {
	rootCmd.AddCommand(libcacheCmd)
	libcacheCmd.Flags().Duration("duration", 0, "How long to run the scenario; zero runs until interrupted")
	libcacheCmd.Flags().String("namespace", "", "Namespace for the scenario's objects; generated when empty")
	libcacheCmd.Flags().Int("workers", 4, "Number of concurrent routine executors")
	libcacheCmd.Flags().Duration("think", 0, "Pause between routine executions")
	libcacheCmd.Flags().Duration("invalidation-interval", 0, "How often the routine is replaced underneath the executors; zero picks the default")
}

var libcacheCmd = &cobra.Command{
	Use:   "libcache [./path/to/libcache.yaml]",
	Short: "Run routine executors racing a background invalidator",
	Long: `Run workers that repeatedly execute a stored routine while a background
task keeps replacing it, forcing backend cache invalidations. Failures the
invalidation races cause are counted separately from real errors.

Example libcache.yaml:

    namespace: cache
    concurrency: 8
    invalidationInterval: 250ms
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := cmd.Flags().GetDuration("duration")
		if err != nil {
			return errors.WithStack(err)
		}
		config, err := libCacheConfigFrom(cmd, args)
		if err != nil {
			return err
		}

		session, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer session.close()

		engine := scenario.NewLibCacheEngine(session.services())
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

func libCacheConfigFrom(cmd *cobra.Command, args []string) (scenario.LibCacheConfig, error) {
	var config scenario.LibCacheConfig
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
		if config.InvalidationInterval, err = flags.GetDuration("invalidation-interval"); err != nil {
			return config, errors.WithStack(err)
		}
	}
	config.Namespace = ensureNamespace(config.Namespace)
	return config, nil
}
