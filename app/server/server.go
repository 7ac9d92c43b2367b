package server

import (
	"context"
	"net/http"

	"reelflow/app/auth"
	"reelflow/app/config"
	"reelflow/app/handler"
	"reelflow/app/logger"
	"reelflow/app/middleware"
	"reelflow/app/service"
	"reelflow/app/store"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	orchestrator *service.Orchestrator
	videos       *store.VideoStore
	settings     *store.SettingsStore
	jwtService   *auth.JWTService
}

// New 创建一个新的 Server 实例，编排器的启停由调用方负责
func New(cfg *config.Config, log *logger.Logger, orchestrator *service.Orchestrator, videos *store.VideoStore, settings *store.SettingsStore) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:       cfg,
		Logger:       log.Named("server"),
		orchestrator: orchestrator,
		videos:       videos,
		settings:     settings,
		jwtService:   auth.NewJWTService(cfg.JWT),
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Handler 返回路由，供测试直接调用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 停止接收新请求并等待处理中的请求结束
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	videoHandler := handler.NewVideoHandler(s.orchestrator, s.videos, s.settings, s.Logger)
	queueHandler := handler.NewQueueHandler(s.orchestrator)
	settingsHandler := handler.NewSettingsHandler(s.settings)

	s.gin.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "workers": s.orchestrator.WorkersRunning()})
	})

	// 需要JWT验证的路由
	api := s.gin.Group("/api")
	api.Use(middleware.JWTAuth(s.jwtService))
	{
		videos := api.Group("/videos")
		{
			videos.GET("", videoHandler.List)
			videos.POST("/generate", videoHandler.Generate)
			videos.GET("/:id", videoHandler.Get)
			videos.POST("/:id/publish", videoHandler.Publish)
		}

		queue := api.Group("/queue")
		{
			queue.GET("/stats", queueHandler.Stats)
			queue.GET("/active", queueHandler.Active)
			queue.GET("/job/:jobId", queueHandler.Job)
			queue.DELETE("/job/:jobId", queueHandler.Cancel)
			queue.POST("/clean", queueHandler.Clean)
		}

		settings := api.Group("/settings")
		{
			settings.GET("", settingsHandler.Get)
			settings.PUT("", settingsHandler.Update)
		}
	}
}
