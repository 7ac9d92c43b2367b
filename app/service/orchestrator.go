package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"reelflow/app/config"
	"reelflow/app/logger"
	"reelflow/app/model"
	"reelflow/app/queue"
	"reelflow/app/worker"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const (
	GenerationQueue = "video-generation"
	PublishQueue    = "video-publishing"
)

// ErrUnknownQueue 队列名称无法识别
var ErrUnknownQueue = errors.New("unknown queue")

// Dependencies 编排器依赖，全部由调用方显式注入
type Dependencies struct {
	DB        *gorm.DB
	Config    *config.Config
	Logger    *logger.Logger
	Notifier  queue.Notifier
	Videos    VideoRepository
	Settings  CredentialResolver
	Generator GenerationProvider
	Platform  PublishPlatform
	// Now 用于测试注入时钟，为空时使用 time.Now
	Now func() time.Time
}

// QueueStats 单个队列的统计
type QueueStats struct {
	Name string `json:"name"`
	queue.Counts
}

// CleanReport 一次清理的结果
type CleanReport struct {
	Purged  map[string]int64 `json:"purged"`
	Trimmed map[string]int64 `json:"trimmed"`
}

// Orchestrator 管理生成和发布两个队列及其工作池，并负责任务串联
type Orchestrator struct {
	config     *config.Config
	logger     *logger.Logger
	videos     VideoRepository
	generation *queue.Queue
	publish    *queue.Queue
	generator  *GenerationHandler
	publisher  *PublishHandler

	generationPool *worker.Pool
	publishPool    *worker.Pool
	cron           *cron.Cron
	mu             sync.Mutex
	running        bool
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	if deps.DB == nil || deps.Config == nil || deps.Logger == nil {
		return nil, fmt.Errorf("orchestrator requires db, config and logger")
	}
	if deps.Videos == nil || deps.Settings == nil || deps.Generator == nil || deps.Platform == nil {
		return nil, fmt.Errorf("orchestrator requires video store, settings store and providers")
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = queue.NewLocalNotifier()
	}

	cfg := deps.Config
	log := deps.Logger.Named("orchestrator")

	o := &Orchestrator{
		config: cfg,
		logger: log,
		videos: deps.Videos,
		generation: queue.New(deps.DB, GenerationQueue, queueOptions(cfg.Queue.Generation, deps.Now),
			notifier, deps.Logger),
		publish: queue.New(deps.DB, PublishQueue, queueOptions(cfg.Queue.Publish, deps.Now),
			notifier, deps.Logger),
		generator: NewGenerationHandler(deps.Videos, deps.Generator, GenerationConfigFrom(cfg.Runway), deps.Logger),
		publisher: NewPublishHandler(deps.Videos, deps.Platform, deps.Settings, PublishConfigFrom(cfg.Instagram), deps.Logger),
	}

	o.generationPool = worker.NewPool(o.generation, worker.HandlerFunc(o.handleGeneration),
		poolConfig(cfg.Queue.Generation), deps.Logger)
	o.publishPool = worker.NewPool(o.publish, o.publisher, poolConfig(cfg.Queue.Publish), deps.Logger)
	return o, nil
}

func queueOptions(cfg config.QueueConfig, now func() time.Time) queue.Options {
	return queue.Options{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: queue.Backoff{
			Strategy: model.BackoffStrategy(cfg.BackoffStrategy),
			Base:     cfg.BackoffBase,
		},
		LeaseTimeout: cfg.LeaseTimeout,
		Now:          now,
	}
}

func poolConfig(cfg config.QueueConfig) worker.Config {
	return worker.Config{
		Concurrency:     cfg.Concurrency,
		PollInterval:    cfg.PollInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Start 启动两个工作池和定期清理
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}

	o.cron = cron.New()
	if o.config.Retention.Schedule != "" {
		_, err := o.cron.AddFunc(o.config.Retention.Schedule, func() {
			if _, err := o.Clean(context.Background()); err != nil {
				o.logger.Errorf("定期清理任务失败: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", o.config.Retention.Schedule, err)
		}
	}

	o.generationPool.Start()
	o.publishPool.Start()
	o.cron.Start()
	o.running = true
	o.logger.Info("任务编排器已启动")
	return nil
}

// Stop 停止清理计划并等待两个工作池退出
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return nil
	}
	o.running = false

	<-o.cron.Stop().Done()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pool := range []*worker.Pool{o.generationPool, o.publishPool} {
		i, pool := i, pool
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = pool.Stop(ctx)
		}()
	}
	wg.Wait()

	o.logger.Info("任务编排器已停止")
	return errors.Join(errs...)
}

// WorkersRunning 各队列工作池是否在运行
func (o *Orchestrator) WorkersRunning() map[string]bool {
	return map[string]bool{
		GenerationQueue: o.generationPool.IsRunning(),
		PublishQueue:    o.publishPool.IsRunning(),
	}
}

// resubmittable 可以重新提交生成的视频状态
var resubmittable = []model.VideoStatus{model.VideoStatusPending, model.VideoStatusFailed}

// EnqueueGeneration 将视频置为 PENDING 并提交生成任务，只接受待生成或生成失败的视频
func (o *Orchestrator) EnqueueGeneration(ctx context.Context, p *model.GenerationPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := o.videos.Transition(ctx, p.VideoID, resubmittable, model.VideoStatusPending, map[string]any{
		"last_error": "",
	}); err != nil {
		return "", err
	}
	return o.generation.Enqueue(ctx, p, queue.EnqueueOptions{Priority: o.config.Queue.Generation.Priority})
}

// EnqueuePublish 提交发布任务，同一视频同时只保留一个未结束的发布任务
func (o *Orchestrator) EnqueuePublish(ctx context.Context, p *model.PublishPayload) (string, error) {
	return o.publish.Enqueue(ctx, p, queue.EnqueueOptions{
		Priority:  o.config.Queue.Publish.Priority,
		DedupeKey: "publish:" + p.VideoID,
	})
}

// handleGeneration 执行生成任务，成功且开启自动发布时在确认前提交发布任务
func (o *Orchestrator) handleGeneration(ctx context.Context, job *model.Job) (any, error) {
	p, err := decodeGenerationPayload(job)
	if err != nil {
		return nil, err
	}

	result, err := o.generator.Generate(ctx, p)
	if err != nil {
		return nil, err
	}
	if result.VideoStatus != model.VideoStatusCompleted || !p.ShouldChainPublish() {
		return result, nil
	}

	current, err := o.generation.GetJob(ctx, job.JobID)
	if err != nil {
		return nil, Classify("reload job", err)
	}
	if current.CancelRequested {
		o.logger.Infof("任务已被取消，不再自动发布: job=%s, video=%s", job.JobID, p.VideoID)
		return result, nil
	}

	publishJobID, err := o.EnqueuePublish(ctx, &model.PublishPayload{
		VideoID:     p.VideoID,
		UserID:      p.UserID,
		ArtifactURL: result.VideoURL,
		Settings:    *p.Publish,
	})
	if err != nil {
		return nil, Classify("enqueue publish", err)
	}
	result.PublishJobID = publishJobID
	o.logger.Infof("已自动提交发布任务: video=%s, publish_job=%s", p.VideoID, publishJobID)
	return result, nil
}

// Queue 按名称或别名查找队列
func (o *Orchestrator) Queue(name string) (*queue.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case GenerationQueue, "generation", "video", "":
		return o.generation, nil
	case PublishQueue, "publish", "instagram":
		return o.publish, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
}

// JobStatus 查询任务
func (o *Orchestrator) JobStatus(ctx context.Context, queueName, jobID string) (*model.Job, error) {
	q, err := o.Queue(queueName)
	if err != nil {
		return nil, err
	}
	return q.GetJob(ctx, jobID)
}

// Cancel 取消任务，执行中的任务只会阻止后续的自动发布
func (o *Orchestrator) Cancel(ctx context.Context, queueName, jobID string) (bool, error) {
	q, err := o.Queue(queueName)
	if err != nil {
		return false, err
	}
	return q.Cancel(ctx, jobID)
}

// Stats 两个队列的任务统计
func (o *Orchestrator) Stats(ctx context.Context) ([]QueueStats, error) {
	stats := make([]QueueStats, 0, 2)
	for _, q := range []*queue.Queue{o.generation, o.publish} {
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		stats = append(stats, QueueStats{Name: q.Name(), Counts: counts})
	}
	return stats, nil
}

// ActiveJobs 两个队列中正在执行的任务
func (o *Orchestrator) ActiveJobs(ctx context.Context, limit int) (map[string][]model.Job, error) {
	active := make(map[string][]model.Job, 2)
	for _, q := range []*queue.Queue{o.generation, o.publish} {
		jobs, err := q.Jobs(ctx, model.JobStateActive, limit)
		if err != nil {
			return nil, err
		}
		active[q.Name()] = jobs
	}
	return active, nil
}

// Clean 按保留时长清理已结束的任务，再按数量上限裁剪
func (o *Orchestrator) Clean(ctx context.Context) (*CleanReport, error) {
	report := &CleanReport{Purged: map[string]int64{}, Trimmed: map[string]int64{}}
	targets := []struct {
		q   *queue.Queue
		cfg config.QueueConfig
	}{
		{o.generation, o.config.Queue.Generation},
		{o.publish, o.config.Queue.Publish},
	}

	for _, t := range targets {
		purged, err := t.q.Purge(ctx, o.config.Retention.MaxAge)
		if err != nil {
			return nil, err
		}
		report.Purged[t.q.Name()] = purged

		// 保留数量为 0 表示不限制
		for state, keep := range map[model.JobState]int{
			model.JobStateCompleted: t.cfg.KeepCompleted,
			model.JobStateFailed:    t.cfg.KeepFailed,
		} {
			if keep <= 0 {
				continue
			}
			trimmed, err := t.q.Trim(ctx, state, keep)
			if err != nil {
				return nil, err
			}
			report.Trimmed[t.q.Name()] += trimmed
		}
	}

	o.logger.Infof("任务清理完成: purged=%v, trimmed=%v", report.Purged, report.Trimmed)
	return report, nil
}
