package cmd

import (
	"context"
	"errors"
	"fmt"

	"reelflow/app/config"
	"reelflow/app/database"
	"reelflow/app/logger"
	"reelflow/app/provider/instagram"
	"reelflow/app/provider/runway"
	"reelflow/app/queue"
	"reelflow/app/service"
	"reelflow/app/store"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// application 进程内共享的组件
type application struct {
	db           *gorm.DB
	redis        *redis.Client
	videos       *store.VideoStore
	settings     *store.SettingsStore
	orchestrator *service.Orchestrator
	closers      []func() error
}

// newApplication 按配置连接数据库、Redis 和外部服务并组装编排器
func newApplication(cfg *config.Config, log *logger.Logger) (*application, error) {
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}
	app := &application{db: db}
	app.closers = append(app.closers, func() error { return database.Close(db) })

	var notifier queue.Notifier = queue.NewLocalNotifier()
	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.redis.Ping(context.Background()).Err(); err != nil {
			// Redis 不可用时仍可运行，只是失去跨进程的即时通知
			log.Warnf("连接 Redis 失败，使用进程内通知: %v", err)
		}
		notifier = queue.NewRedisNotifier(app.redis, log)
		app.closers = append(app.closers, app.redis.Close)
	}

	runwayClient := runway.New(cfg.Runway)
	instagramClient := instagram.New(cfg.Instagram)
	app.closers = append(app.closers, runwayClient.Close, instagramClient.Close)

	app.videos = store.NewVideoStore(db)
	app.settings = store.NewSettingsStore(db, cfg.Instagram.SettingsCache)

	app.orchestrator, err = service.NewOrchestrator(service.Dependencies{
		DB:        db,
		Config:    cfg,
		Logger:    log,
		Notifier:  notifier,
		Videos:    app.videos,
		Settings:  app.settings,
		Generator: runwayClient,
		Platform:  instagramClient,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

// Close 按创建的相反顺序释放资源
func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
