package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Adaptive orchestration engine for security testing",
	Long: `sentinel executes security-testing plans: dependency-ordered tool calls
that run concurrently, retry with backoff, and are revised mid-run when
anomalies or failures are detected.

Every resource a tool opens is released before the run ends, and each
run is recorded in the local store for later inspection.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, which commands use to
// stop running plans on interrupt.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./sentinel.yaml or $HOME/.sentinel/sentinel.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}
