package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/contenderproject/contender/internal/common/app"
	"github.com/contenderproject/contender/internal/contender/scenario"
)

func init() {
	rootCmd.AddCommand(mixCmd)
	mixCmd.Flags().Duration("duration", 0, "How long to run the scenario; zero runs until interrupted")
}

var mixCmd = &cobra.Command{
	Use:   "mix ./path/to/mix.yaml",
	Short: "Run a weighted transaction mix across one or more namespaces",
	Long: `Run a weighted transaction mix from a spec file.

Each namespace gets its own seeded table and worker pool; workers pick
insert, update, delete or select transactions according to the configured
weights. Namespaces left empty in the spec are filled with generated ones.

Example mix.yaml:

    namespaces:
      - namespace: orders
        concurrency: 8
        rates:
          insert: 5
          update: 3
          delete: 1
          select: 10
        thinkTime: 5ms
        seedRows: 20000
      - namespace: billing
        concurrency: 4
        rates:
          select: 1
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := cmd.Flags().GetDuration("duration")
		if err != nil {
			return errors.WithStack(err)
		}
		spec := &scenario.MixConfig{}
		if err := bindSpec(args[0], spec); err != nil {
			return err
		}
		for i := range spec.Namespaces {
			spec.Namespaces[i].Namespace = ensureNamespace(spec.Namespaces[i].Namespace)
		}

		session, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer session.close()

		engine := scenario.NewMixEngine(session.services())
		session.serveMetrics(engine)

		ctx := app.CreateContextWithShutdown()
		if err := engine.Start(ctx, *spec); err != nil {
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
