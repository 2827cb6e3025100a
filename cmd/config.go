package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bozzfozz/harmony-sub003/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("database driver:      %s\n", cfg.Database.Driver)
		fmt.Printf("database dsn:         %s\n", cfg.Database.DSN)
		fmt.Printf("jobs database:        %s\n", cfg.JobsDBPath)
		fmt.Printf("slskd url:            %s\n", cfg.Slskd.URL)
		fmt.Printf("slskd timeout:        %s\n", cfg.Slskd.Timeout)
		fmt.Printf("concurrency:          %d\n", cfg.Worker.Concurrency)
		fmt.Printf("poll interval active: %s\n", cfg.Worker.PollIntervalActive)
		fmt.Printf("poll interval idle:   %s\n", cfg.Worker.PollIntervalIdle)
		fmt.Printf("retry max attempts:   %d\n", cfg.Retry.MaxAttempts)
		fmt.Printf("retry base seconds:   %.1f\n", cfg.Retry.BaseSeconds)
		fmt.Printf("retry jitter pct:     %.2f\n", cfg.Retry.JitterPct)
		fmt.Printf("retry scan interval:  %s\n", cfg.Retry.ScanInterval)
		fmt.Printf("retry batch limit:    %d\n", cfg.Retry.BatchLimit)
		fmt.Printf("activity sink:        %s\n", cfg.Activity.Sink)
		fmt.Printf("listen addr:          %s\n", cfg.ListenAddr)
		return nil
	},
}
