package handler

import (
	"errors"
	"net/http"

	"reelflow/app/logger"
	"reelflow/app/middleware"
	"reelflow/app/model"
	"reelflow/app/service"
	"reelflow/app/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// VideoHandler 视频生成与发布接口
type VideoHandler struct {
	orchestrator *service.Orchestrator
	videos       *store.VideoStore
	settings     *store.SettingsStore
	logger       *logger.Logger
}

// NewVideoHandler 创建视频处理器
func NewVideoHandler(orchestrator *service.Orchestrator, videos *store.VideoStore, settings *store.SettingsStore, log *logger.Logger) *VideoHandler {
	return &VideoHandler{
		orchestrator: orchestrator,
		videos:       videos,
		settings:     settings,
		logger:       log.Named("handler.video"),
	}
}

// GenerateRequest 生成视频请求
type GenerateRequest struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Prompt            string   `json:"prompt" binding:"required"`
	SourceImageURL    string   `json:"source_image_url" binding:"required"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	FPS               int      `json:"fps"`
	Quality           string   `json:"quality"`
	ContentType       string   `json:"content_type"`
	ViralOptimization bool     `json:"viral_optimization"`
	VariationCount    int      `json:"variation_count"`
	Seed              *int     `json:"seed"`
	AutoPublish       *bool    `json:"auto_publish"` // 为空时沿用用户设置
	Caption           string   `json:"caption"`
	Tags              []string `json:"tags"`
}

// GenerateResponse 生成视频响应
type GenerateResponse struct {
	Video *model.Video `json:"video"`
	JobID string       `json:"job_id"`
}

// PublishRequest 手动发布请求
type PublishRequest struct {
	Caption string   `json:"caption"`
	Tags    []string `json:"tags"`
}

// Generate 创建视频记录并提交生成任务
func (h *VideoHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	userID := middleware.UserID(c)

	payload := &model.GenerationPayload{
		VideoID:           uuid.NewString(),
		UserID:            userID,
		Title:             req.Title,
		Prompt:            req.Prompt,
		SourceImageURL:    req.SourceImageURL,
		Width:             req.Width,
		Height:            req.Height,
		FPS:               req.FPS,
		Quality:           req.Quality,
		ContentType:       req.ContentType,
		ViralOptimization: req.ViralOptimization,
		VariationCount:    req.VariationCount,
		Seed:              req.Seed,
	}

	publish, err := h.publishSettings(c, userID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "读取用户设置失败")
		return
	}
	if publish != nil {
		if req.AutoPublish != nil {
			publish.AutoPublish = *req.AutoPublish
		}
		publish.Caption = req.Caption
		publish.Tags = req.Tags
		payload.Publish = publish
	}

	if err := payload.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	video := &model.Video{
		ID:          payload.VideoID,
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		Prompt:      req.Prompt,
		Width:       payload.Width,
		Height:      payload.Height,
		FPS:         payload.FPS,
		Quality:     payload.Quality,
		Status:      model.VideoStatusPending,
	}
	if err := h.videos.Create(c.Request.Context(), video); err != nil {
		h.logger.Errorf("创建视频记录失败: %v", err)
		fail(c, http.StatusInternalServerError, "创建视频记录失败")
		return
	}

	jobID, err := h.orchestrator.EnqueueGeneration(c.Request.Context(), payload)
	if errors.Is(err, store.ErrVideoStatusConflict) {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Errorf("提交生成任务失败: video=%s, err=%v", video.ID, err)
		fail(c, http.StatusServiceUnavailable, "提交生成任务失败")
		return
	}

	h.logger.Infof("已提交生成任务: video=%s, job=%s", video.ID, jobID)
	success(c, GenerateResponse{Video: video, JobID: jobID}, "生成任务已提交")
}

// publishSettings 用户已连接发布平台时返回发布参数
func (h *VideoHandler) publishSettings(c *gin.Context, userID string) (*model.PublishSettings, error) {
	settings, err := h.settings.ForUser(c.Request.Context(), userID)
	if errors.Is(err, store.ErrSettingsNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return settings.PublishSettings(), nil
}

// Get 查询视频
func (h *VideoHandler) Get(c *gin.Context) {
	video, ok := h.ownedVideo(c)
	if !ok {
		return
	}
	success(c, video, "获取成功")
}

// List 列出当前用户的视频
func (h *VideoHandler) List(c *gin.Context) {
	videos, err := h.videos.ListByUser(c.Request.Context(), middleware.UserID(c), 50)
	if err != nil {
		fail(c, http.StatusInternalServerError, "查询视频失败")
		return
	}
	success(c, videos, "获取成功")
}

// Publish 手动发布已生成的视频
func (h *VideoHandler) Publish(c *gin.Context) {
	var req PublishRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
			return
		}
	}

	video, ok := h.ownedVideo(c)
	if !ok {
		return
	}
	if !video.CanPublish() {
		fail(c, http.StatusConflict, "视频尚未生成完成，当前状态: "+string(video.Status))
		return
	}

	publish, err := h.publishSettings(c, video.UserID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "读取用户设置失败")
		return
	}
	if publish == nil {
		fail(c, http.StatusBadRequest, "尚未连接发布平台")
		return
	}
	publish.Caption = req.Caption
	publish.Tags = req.Tags

	payload := &model.PublishPayload{
		VideoID:     video.ID,
		UserID:      video.UserID,
		ArtifactURL: video.VideoURL,
		Settings:    *publish,
	}
	jobID, err := h.orchestrator.EnqueuePublish(c.Request.Context(), payload)
	if err != nil {
		if errors.Is(err, model.ErrInvalidPayload) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Errorf("提交发布任务失败: video=%s, err=%v", video.ID, err)
		fail(c, http.StatusServiceUnavailable, "提交发布任务失败")
		return
	}
	success(c, gin.H{"video_id": video.ID, "job_id": jobID}, "发布任务已提交")
}

// ownedVideo 读取路径中的视频，只允许访问自己的视频
func (h *VideoHandler) ownedVideo(c *gin.Context) (*model.Video, bool) {
	video, err := h.videos.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrVideoNotFound) {
		fail(c, http.StatusNotFound, "视频不存在")
		return nil, false
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "查询视频失败")
		return nil, false
	}
	if video.UserID != middleware.UserID(c) {
		fail(c, http.StatusNotFound, "视频不存在")
		return nil, false
	}
	return video, true
}
