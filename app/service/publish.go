package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reelflow/app/config"
	"reelflow/app/logger"
	"reelflow/app/model"
	"reelflow/app/provider/instagram"
	"reelflow/app/store"

	"golang.org/x/text/unicode/norm"
)

// PublishPlatform 视频发布平台
type PublishPlatform interface {
	CreateMedia(ctx context.Context, accessToken, videoURL, caption string) (string, error)
	ProcessingStatus(ctx context.Context, accessToken, containerID string) (instagram.ContainerStatus, error)
	Publish(ctx context.Context, accessToken, containerID string) (*instagram.PublishResult, error)
}

// CredentialResolver 解析发布凭据并提供用户的默认文案
type CredentialResolver interface {
	ResolveToken(ctx context.Context, credentialRef string) (string, error)
	PublishDefaults(ctx context.Context, userID string) (string, []string, error)
}

// markPostedAttempts 发布成功后记录结果的最大尝试次数
const markPostedAttempts = 3

// PublishConfig 发布任务参数
type PublishConfig struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	DefaultCaption  string
	DefaultHashtags []string
}

// PublishConfigFrom 从配置构造发布参数
func PublishConfigFrom(cfg config.InstagramConfig) PublishConfig {
	return PublishConfig{
		PollInterval:    cfg.PollInterval,
		MaxPollAttempts: cfg.MaxPollAttempts,
		DefaultCaption:  cfg.DefaultCaption,
		DefaultHashtags: cfg.DefaultHashtags,
	}
}

// PublishResult 发布任务结果
type PublishResult struct {
	PublishID   string `json:"publish_id"`
	Permalink   string `json:"permalink,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Reused      bool   `json:"reused,omitempty"`
}

// PublishHandler 处理视频发布任务：创建容器、等待处理、发布
type PublishHandler struct {
	videos      VideoRepository
	platform    PublishPlatform
	credentials CredentialResolver
	config      PublishConfig
	logger      *logger.Logger
	nowFn       func() time.Time
}

// NewPublishHandler 创建发布任务处理器
func NewPublishHandler(videos VideoRepository, platform PublishPlatform, credentials CredentialResolver, cfg PublishConfig, log *logger.Logger) *PublishHandler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 20
	}
	if cfg.DefaultCaption == "" {
		cfg.DefaultCaption = "AI-generated reel!"
	}
	if len(cfg.DefaultHashtags) == 0 {
		cfg.DefaultHashtags = []string{"#reels", "#viral", "#ai"}
	}
	return &PublishHandler{
		videos:      videos,
		platform:    platform,
		credentials: credentials,
		config:      cfg,
		logger:      log.Named("publish"),
		nowFn:       time.Now,
	}
}

// Handle 实现 worker.Handler
func (h *PublishHandler) Handle(ctx context.Context, job *model.Job) (any, error) {
	var p model.PublishPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, integrityErr("decode publish payload", err)
	}
	return h.Publish(ctx, &p)
}

// Publish 将已生成的视频发布到平台，成功后视频进入 POSTED
func (h *PublishHandler) Publish(ctx context.Context, p *model.PublishPayload) (*PublishResult, error) {
	video, err := h.videos.Get(ctx, p.VideoID)
	if err != nil {
		return nil, Classify("load video", err)
	}
	if video.Status == model.VideoStatusPosted {
		h.logger.Infof("视频已发布，跳过: video=%s, publish_id=%s", video.ID, video.PublishID)
		return &PublishResult{PublishID: video.PublishID, Permalink: video.Permalink, Reused: true}, nil
	}
	if video.Status != model.VideoStatusCompleted {
		return nil, integrityErr("check video", fmt.Errorf("video %s is %s, not COMPLETED", video.ID, video.Status))
	}

	token, err := h.credentials.ResolveToken(ctx, p.Settings.CredentialRef)
	if err != nil {
		return nil, Classify("resolve credential", err)
	}

	caption := h.caption(ctx, p)
	result, err := h.publish(ctx, token, p.ArtifactURL, caption)
	if err != nil {
		h.revert(ctx, p.VideoID, err)
		return nil, err
	}

	if err := h.markPosted(ctx, p.VideoID, result); err != nil {
		// 平台侧已发布，任务不能再被重试
		h.logger.Errorf("视频已发布但状态未能更新: video=%s, publish_id=%s, err=%v", p.VideoID, result.PublishID, err)
		return nil, integrityErr("mark video posted",
			fmt.Errorf("published as %s but video %s was not updated: %w", result.PublishID, p.VideoID, err))
	}

	h.logger.Infof("视频发布成功: video=%s, publish_id=%s", p.VideoID, result.PublishID)
	return result, nil
}

// markPosted 记录发布结果，存储暂时不可用时原地重试，不受任务取消影响
func (h *PublishHandler) markPosted(ctx context.Context, videoID string, result *PublishResult) error {
	ctx = context.WithoutCancel(ctx)
	now := h.nowFn().UTC()

	var err error
	for attempt := 1; attempt <= markPostedAttempts; attempt++ {
		err = h.videos.Update(ctx, videoID, map[string]any{
			"status":     model.VideoStatusPosted,
			"publish_id": result.PublishID,
			"permalink":  result.Permalink,
			"posted_at":  now,
			"last_error": "",
		})
		if err == nil || !errors.Is(err, store.ErrStorage) {
			return err
		}
		h.logger.Warnf("更新发布状态失败: video=%s, attempt=%d/%d, err=%v", videoID, attempt, markPostedAttempts, err)
		if attempt < markPostedAttempts {
			_ = sleepCtx(ctx, h.config.PollInterval)
		}
	}
	return err
}

func (h *PublishHandler) publish(ctx context.Context, token, videoURL, caption string) (*PublishResult, error) {
	containerID, err := h.platform.CreateMedia(ctx, token, videoURL, caption)
	if err != nil {
		return nil, Classify("create media container", err)
	}
	h.logger.Infof("已创建媒体容器: container=%s", containerID)

	if err := h.waitForContainer(ctx, token, containerID); err != nil {
		return nil, err
	}

	published, err := h.platform.Publish(ctx, token, containerID)
	if err != nil {
		return nil, Classify("publish media", err)
	}
	return &PublishResult{PublishID: published.ID, Permalink: published.Permalink, ContainerID: containerID}, nil
}

// waitForContainer 轮询容器处理状态直到 FINISHED
func (h *PublishHandler) waitForContainer(ctx context.Context, token, containerID string) error {
	for attempt := 1; attempt <= h.config.MaxPollAttempts; attempt++ {
		status, err := h.containerStatus(ctx, token, containerID)
		switch {
		case errors.Is(err, instagram.ErrPollTimeout):
			h.logger.Warnf("查询容器状态超时: container=%s, attempt=%d/%d", containerID, attempt, h.config.MaxPollAttempts)
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Classify("query media status", err)
		case status == instagram.StatusFinished:
			return nil
		case status == instagram.StatusError, status == instagram.StatusExpired:
			return terminalErr("media processing", fmt.Errorf("container %s reported %s", containerID, status))
		case status == instagram.StatusInProgress:
			h.logger.Debugf("容器处理中: container=%s, attempt=%d/%d", containerID, attempt, h.config.MaxPollAttempts)
		default:
			h.logger.Warnf("未知的容器状态: container=%s, status=%s", containerID, status)
		}

		if attempt == h.config.MaxPollAttempts {
			break
		}
		if err := sleepCtx(ctx, h.config.PollInterval); err != nil {
			return err
		}
	}
	return transientErr("media processing", fmt.Errorf("%w after %d attempts: container %s",
		ErrProcessingTimeout, h.config.MaxPollAttempts, containerID))
}

// containerStatus 单次请求超时时原地重试一次
func (h *PublishHandler) containerStatus(ctx context.Context, token, containerID string) (instagram.ContainerStatus, error) {
	status, err := h.platform.ProcessingStatus(ctx, token, containerID)
	if errors.Is(err, instagram.ErrPollTimeout) {
		h.logger.Debugf("查询容器状态超时，立即重试: container=%s", containerID)
		return h.platform.ProcessingStatus(ctx, token, containerID)
	}
	return status, err
}

// caption 依次使用任务指定、用户默认、全局默认的文案和标签
func (h *PublishHandler) caption(ctx context.Context, p *model.PublishPayload) string {
	caption := strings.TrimSpace(p.Settings.Caption)
	tags := p.Settings.Tags

	if caption == "" || len(tags) == 0 {
		defCaption, defTags, err := h.credentials.PublishDefaults(ctx, p.UserID)
		if err != nil {
			h.logger.Warnf("读取用户默认文案失败: user=%s, err=%v", p.UserID, err)
		}
		if caption == "" {
			caption = strings.TrimSpace(defCaption)
		}
		if len(tags) == 0 {
			tags = defTags
		}
	}
	if caption == "" {
		caption = h.config.DefaultCaption
	}
	if len(tags) == 0 {
		tags = h.config.DefaultHashtags
	}
	return BuildCaption(caption, tags)
}

// BuildCaption 拼接文案与话题标签，并统一为 NFC 形式
func BuildCaption(caption string, tags []string) string {
	full := caption
	if len(tags) > 0 {
		full = caption + "\n\n" + strings.Join(tags, " ")
	}
	return norm.NFC.String(full)
}

// revert 发布失败时视频保持 COMPLETED 并记录原因
func (h *PublishHandler) revert(ctx context.Context, videoID string, cause error) {
	if ctx.Err() != nil {
		return
	}
	if err := h.videos.Update(ctx, videoID, map[string]any{
		"status":     model.VideoStatusCompleted,
		"last_error": cause.Error(),
	}); err != nil {
		h.logger.Errorf("回退视频状态失败: video=%s, err=%v", videoID, err)
	}
	h.logger.Warnf("视频发布失败: video=%s, err=%v", videoID, cause)
}
