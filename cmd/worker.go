package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reelflow/app/config"
	"reelflow/app/logger"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "只启动工作池，不提供 HTTP 接口",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Close()
		watchConfig(log)

		app, err := newApplication(cfg, log)
		if err != nil {
			log.Fatalf("初始化失败: %v", err)
		}
		defer app.Close()

		if err := app.orchestrator.Start(); err != nil {
			log.Fatalf("启动任务编排器失败: %v", err)
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，等待执行中的任务...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
		defer cancel()
		if err := app.orchestrator.Stop(ctx); err != nil {
			log.Errorf("任务编排器停止失败: %v", err)
		}
		log.Info("工作进程已退出")
	},
}

// shutdownBudget 停机总时长，工作池各自的超时之外预留回写时间
func shutdownBudget(cfg *config.Config) time.Duration {
	budget := max(cfg.Queue.Generation.ShutdownTimeout, cfg.Queue.Publish.ShutdownTimeout)
	return budget + 15*time.Second
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
