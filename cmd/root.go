// Package cmd defines and implements the CLI commands for the
// metafetcher executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metafetcher",
		Short: "A resumable short-form video metadata crawler.",
		Long: `metafetcher harvests short-form video metadata by category and age
bucket, filters it adaptively by engagement, and revisits the harvested
set in timed generations to capture growth. All progress is persisted
as snapshot documents, so the crawl survives restarts and multi-day
quota exhaustion.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
