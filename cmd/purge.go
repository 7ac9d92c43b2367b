package cmd

import (
	"context"
	"fmt"
	"time"

	"reelflow/app/config"
	"reelflow/app/logger"

	"github.com/spf13/cobra"
)

var purgeMaxAge time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "清理已结束的任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if purgeMaxAge > 0 {
			cfg.Retention.MaxAge = purgeMaxAge
		}

		log := logger.New(cfg.Log)
		defer log.Close()

		app, err := newApplication(cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.orchestrator.Clean(context.Background())
		if err != nil {
			return err
		}
		for name, n := range report.Purged {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: purged=%d trimmed=%d\n", name, n, report.Trimmed[name])
		}
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeMaxAge, "max-age", 0, "保留时长，默认使用配置中的 retention.max_age")
	rootCmd.AddCommand(purgeCmd)
}
