package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reelflow/app/config"
	"reelflow/app/logger"
	"reelflow/app/server"

	"github.com/spf13/cobra"
)

var serverWithoutWorkers bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 HTTP 服务和工作池",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		// 创建日志器
		log := logger.New(cfg.Log)
		defer log.Close()
		watchConfig(log)

		app, err := newApplication(cfg, log)
		if err != nil {
			log.Fatalf("初始化失败: %v", err)
		}
		defer app.Close()

		if !serverWithoutWorkers {
			if err := app.orchestrator.Start(); err != nil {
				log.Fatalf("启动任务编排器失败: %v", err)
			}
		}

		srv := server.New(cfg, log, app.orchestrator, app.videos, app.settings)

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务器...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
		defer stopCancel()
		if err := app.orchestrator.Stop(stopCtx); err != nil {
			log.Errorf("任务编排器停止失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

func init() {
	serverCmd.Flags().BoolVar(&serverWithoutWorkers, "no-workers", false, "只提供 HTTP 接口，不在本进程执行任务")
	rootCmd.AddCommand(serverCmd)
}
