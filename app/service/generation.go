package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"reelflow/app/config"
	"reelflow/app/logger"
	"reelflow/app/model"
	"reelflow/app/provider/runway"
)

// GenerationProvider 视频生成服务
type GenerationProvider interface {
	Submit(ctx context.Context, req runway.GenerateRequest) (string, error)
	Status(ctx context.Context, taskID string) (*runway.Task, error)
}

// VideoRepository 视频记录读写
type VideoRepository interface {
	Get(ctx context.Context, id string) (*model.Video, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	Transition(ctx context.Context, id string, from []model.VideoStatus, to model.VideoStatus, fields map[string]any) error
}

// GenerationConfig 生成任务轮询参数
type GenerationConfig struct {
	PollInterval    time.Duration
	MaxPollAttempts int
}

// GenerationResult 生成任务结果，写入任务的 result 字段
type GenerationResult struct {
	VideoURL     string            `json:"video_url"`
	TaskID       string            `json:"task_id,omitempty"`
	Variations   []string          `json:"variations,omitempty"`
	Reused       bool              `json:"reused,omitempty"`
	VideoStatus  model.VideoStatus `json:"video_status"`
	PublishJobID string            `json:"publish_job_id,omitempty"`
}

// GenerationHandler 处理视频生成任务
type GenerationHandler struct {
	videos   VideoRepository
	provider GenerationProvider
	config   GenerationConfig
	logger   *logger.Logger
	nowFn    func() time.Time
	randFn   func(int) int
}

// NewGenerationHandler 创建生成任务处理器
func NewGenerationHandler(videos VideoRepository, provider GenerationProvider, cfg GenerationConfig, log *logger.Logger) *GenerationHandler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 120
	}
	return &GenerationHandler{
		videos:   videos,
		provider: provider,
		config:   cfg,
		logger:   log.Named("generation"),
		nowFn:    time.Now,
	}
}

// GenerationConfigFrom 从配置构造轮询参数
func GenerationConfigFrom(cfg config.RunwayConfig) GenerationConfig {
	return GenerationConfig{
		PollInterval:    cfg.PollInterval,
		MaxPollAttempts: cfg.MaxPollAttempts,
	}
}

// Handle 实现 worker.Handler
func (h *GenerationHandler) Handle(ctx context.Context, job *model.Job) (any, error) {
	p, err := decodeGenerationPayload(job)
	if err != nil {
		return nil, err
	}
	return h.Generate(ctx, p)
}

func decodeGenerationPayload(job *model.Job) (*model.GenerationPayload, error) {
	var p model.GenerationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, integrityErr("decode generation payload", err)
	}
	return &p, nil
}

// Generate 驱动视频从 GENERATING 到 COMPLETED 或 FAILED
//
// 已生成或已发布的视频直接返回已有结果，不再调用生成服务。
func (h *GenerationHandler) Generate(ctx context.Context, p *model.GenerationPayload) (*GenerationResult, error) {
	video, err := h.videos.Get(ctx, p.VideoID)
	if err != nil {
		return nil, Classify("load video", err)
	}

	switch video.Status {
	case model.VideoStatusCompleted:
		if video.VideoURL != "" {
			h.logger.Infof("视频已生成，跳过: video=%s", video.ID)
			return &GenerationResult{VideoURL: video.VideoURL, Reused: true, VideoStatus: video.Status}, nil
		}
	case model.VideoStatusPosted, model.VideoStatusArchived:
		h.logger.Infof("视频已发布或归档，跳过: video=%s, status=%s", video.ID, video.Status)
		return &GenerationResult{VideoURL: video.VideoURL, Reused: true, VideoStatus: video.Status}, nil
	}

	if err := h.videos.Update(ctx, p.VideoID, map[string]any{
		"status":     model.VideoStatusGenerating,
		"last_error": "",
	}); err != nil {
		return nil, Classify("mark video generating", err)
	}

	result, err := h.run(ctx, p)
	if err != nil {
		h.markFailed(ctx, p.VideoID, err)
		return nil, err
	}

	now := h.nowFn().UTC()
	if err := h.videos.Update(ctx, p.VideoID, map[string]any{
		"status":       model.VideoStatusCompleted,
		"video_url":    result.VideoURL,
		"generated_at": now,
	}); err != nil {
		return nil, Classify("mark video completed", err)
	}

	result.VideoStatus = model.VideoStatusCompleted
	h.logger.Infof("视频生成完成: video=%s, task=%s, variations=%d", p.VideoID, result.TaskID, len(result.Variations))
	return result, nil
}

// run 提交生成任务并等待结果，随后生成额外变体
func (h *GenerationHandler) run(ctx context.Context, p *model.GenerationPayload) (*GenerationResult, error) {
	prompt := p.Prompt
	if p.ViralOptimization {
		prompt = OptimizePrompt(p.Prompt, p.ContentType)
	}

	// TODO: 重试时使用的仍是入队时的原图地址，签名地址过期后需要由调用方重新提交
	req := runway.GenerateRequest{
		PromptImage: p.SourceImageURL,
		PromptText:  prompt,
		Width:       p.Width,
		Height:      p.Height,
		Seed:        p.Seed,
	}

	taskID, url, err := h.generateOne(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &GenerationResult{VideoURL: url, TaskID: taskID}

	if p.VariationCount > 1 {
		for _, seed := range variationSeeds(p.Seed, p.VariationCount-1, h.randFn) {
			seed := seed
			req.Seed = &seed
			_, variation, err := h.generateOne(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				h.logger.Warnf("生成变体失败，跳过: video=%s, seed=%d, err=%v", p.VideoID, seed, err)
				continue
			}
			result.Variations = append(result.Variations, variation)
		}
	}
	return result, nil
}

// generateOne 提交单个生成任务并轮询到终态
func (h *GenerationHandler) generateOne(ctx context.Context, req runway.GenerateRequest) (string, string, error) {
	taskID, err := h.provider.Submit(ctx, req)
	if err != nil {
		return "", "", Classify("submit generation task", err)
	}
	h.logger.Infof("已提交生成任务: task=%s", taskID)

	url, err := h.waitForTask(ctx, taskID)
	if err != nil {
		return taskID, "", err
	}
	return taskID, url, nil
}

// waitForTask 按固定间隔轮询任务状态，次数用尽返回 processing timeout
func (h *GenerationHandler) waitForTask(ctx context.Context, taskID string) (string, error) {
	for attempt := 1; attempt <= h.config.MaxPollAttempts; attempt++ {
		task, err := h.provider.Status(ctx, taskID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			classified := Classify("poll generation task", err)
			if KindOf(classified) == KindTerminalProvider {
				return "", classified
			}
			h.logger.Warnf("查询生成任务状态失败: task=%s, attempt=%d/%d, err=%v", taskID, attempt, h.config.MaxPollAttempts, err)
		case task.Status == runway.StatusSucceeded:
			if len(task.Output) == 0 || task.Output[0] == "" {
				return "", terminalErr("generation task", fmt.Errorf("task %s succeeded without output", taskID))
			}
			return task.Output[0], nil
		case task.Status == runway.StatusFailed:
			reason := task.Failure
			if reason == "" {
				reason = "unknown error"
			}
			return "", terminalErr("generation task", fmt.Errorf("task %s failed: %s", taskID, reason))
		default:
			h.logger.Debugf("生成任务进行中: task=%s, status=%s, progress=%.2f", taskID, task.Status, task.Progress)
		}

		if attempt == h.config.MaxPollAttempts {
			break
		}
		if err := sleepCtx(ctx, h.config.PollInterval); err != nil {
			return "", err
		}
	}
	return "", transientErr("generation task", fmt.Errorf("%w: task %s", ErrProcessingTimeout, taskID))
}

// markFailed 记录失败原因，任务被中断时不修改视频状态
func (h *GenerationHandler) markFailed(ctx context.Context, videoID string, cause error) {
	if ctx.Err() != nil {
		return
	}
	if err := h.videos.Update(ctx, videoID, map[string]any{
		"status":     model.VideoStatusFailed,
		"last_error": cause.Error(),
	}); err != nil {
		h.logger.Errorf("更新视频失败状态失败: video=%s, err=%v", videoID, err)
	}
	h.logger.Warnf("视频生成失败: video=%s, err=%v", videoID, cause)
}

// sleepCtx 等待指定时间，ctx 结束时提前返回
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
