package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "harmony-syncd",
	Short: "Harmony download execution daemon",
	Long: `harmony-syncd executes download jobs against the Soulseek network
through a slskd daemon: a durable job queue, a priority-ordered worker pool
with per-download retry backoff, and a periodic scheduler that reclaims
downloads whose backoff window has elapsed.`,
}

// Execute runs the CLI. Errors have already been printed by cobra.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(configCmd)
}
