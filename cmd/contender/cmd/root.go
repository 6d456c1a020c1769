package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "contender command",
	Short: "Command line utility to drive contention workloads against postgres",
	Long: `
Command line utility to drive contention workloads against postgres.

Each subcommand runs one scenario: a pool of workers executing transactions
against objects the scenario creates for itself, tagged with a namespace so
concurrent runs do not collide. While a scenario runs, workload metrics and
wait event reports are published to the configured event stream and exposed
as prometheus metrics; a final summary is printed when it stops.

Connection details, the event backend and telemetry cadence come from
config/contender/config.yaml, overridable with --config and CONTENDER_*
environment variables.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Fully qualified path to a configuration override file")
	rootCmd.PersistentFlags().String("output", "text", `Result format, one of "text", "yaml" or "json"`)
}
