// Package cmd defines the CLI commands for the fetchworker executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X ...cmd.version=...".
var version = "dev"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "fetchworker",
		Short: "Fetches RSS feeds for jobs taken from a message broker.",
		Long: `fetchworker consumes feed URLs from a task queue, downloads them with a
bounded pool of HTTP workers, parses the feeds and publishes the items (or the
error) to a result exchange. Every job is acknowledged once its result is
published; jobs still in flight at shutdown are rejected back to the queue.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); environment variables override it")

	cmd.AddCommand(newRunCmd(&cfgFile))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
