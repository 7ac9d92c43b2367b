package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reelflow/app/logger"
	"reelflow/app/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrStorageUnavailable 存储不可用，调用方应稍后重试
	ErrStorageUnavailable = errors.New("queue storage unavailable")
	// ErrLeaseLost 租约已失效或被其他工作者持有
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("job not found")
)

// leaseRetries 租用时被其他槽位抢先后的重试次数
const leaseRetries = 5

var terminalStates = []model.JobState{model.JobStateCompleted, model.JobStateFailed}

// Options 队列级别的默认参数，入队时写入每个任务
type Options struct {
	MaxAttempts  int
	Backoff      Backoff
	LeaseTimeout time.Duration
	// Now 用于测试注入时钟，为空时使用 time.Now
	Now func() time.Time
}

// EnqueueOptions 单次入队参数
type EnqueueOptions struct {
	Priority  int
	Delay     time.Duration
	DedupeKey string
}

// Counts 各状态任务数量
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Queue 基于数据库的持久化任务队列
type Queue struct {
	db       *gorm.DB
	name     string
	opts     Options
	notifier Notifier
	log      *logger.Logger
	nowFn    func() time.Time
}

// permanent 由领域错误实现，表示重试无意义
type permanent interface {
	Permanent() bool
}

// IsPermanent 判断错误链中是否存在不可重试的错误
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// New 创建队列
func New(db *gorm.DB, name string, opts Options, notifier Notifier, log *logger.Logger) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 2 * time.Minute
	}
	if opts.Backoff.Strategy == "" {
		opts.Backoff.Strategy = model.BackoffExponential
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Queue{
		db:       db,
		name:     name,
		opts:     opts,
		notifier: notifier,
		log:      log.Named(name),
		nowFn:    nowFn,
	}
}

// Name 队列名称
func (q *Queue) Name() string {
	return q.name
}

// LeaseTimeout 租约时长
func (q *Queue) LeaseTimeout() time.Duration {
	return q.opts.LeaseTimeout
}

// Subscribe 订阅本队列的入队通知，未配置通知器时返回 nil 通道
func (q *Queue) Subscribe() (<-chan struct{}, func()) {
	if q.notifier == nil {
		return nil, func() {}
	}
	return q.notifier.Subscribe(q.name)
}

func (q *Queue) now() time.Time {
	return q.nowFn().UTC()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// Enqueue 校验载荷后持久化任务，返回任务ID
//
// 设置了 DedupeKey 且队列中已有相同键的未结束任务时，直接返回已有任务的ID。
func (q *Queue) Enqueue(ctx context.Context, payload model.Payload, opts EnqueueOptions) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: payload is required", model.ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	now := q.now()
	job := &model.Job{
		JobID:           uuid.NewString(),
		Queue:           q.name,
		Type:            payload.JobType(),
		Payload:         datatypes.JSON(raw),
		Priority:        opts.Priority,
		MaxAttempts:     q.opts.MaxAttempts,
		BackoffStrategy: q.opts.Backoff.Strategy,
		BackoffBase:     q.opts.Backoff.Base.Milliseconds(),
		State:           model.JobStateWaiting,
		RunAt:           now,
		DedupeKey:       opts.DedupeKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if opts.Delay > 0 {
		job.State = model.JobStateDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	var existingID string
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.DedupeKey != "" {
			var existing model.Job
			err := tx.Where("queue = ? AND dedupe_key = ? AND state NOT IN ?", q.name, opts.DedupeKey, terminalStates).
				Order("id ASC").First(&existing).Error
			if err == nil {
				existingID = existing.JobID
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.Create(job).Error
	})
	if err != nil {
		q.log.Errorf("任务入队失败: type=%s, err=%v", payload.JobType(), err)
		return "", storageErr("enqueue", err)
	}
	if existingID != "" {
		q.log.Infof("任务已在队列中，跳过重复入队: job=%s, dedupe_key=%s", existingID, opts.DedupeKey)
		return existingID, nil
	}

	q.log.Infof("任务已入队: job=%s, type=%s, priority=%d, state=%s", job.JobID, job.Type, job.Priority, job.State)
	if q.notifier != nil && job.State == model.JobStateWaiting {
		q.notifier.Notify(ctx, q.name)
	}
	return job.JobID, nil
}

// Lease 取出优先级最高、最早入队的可执行任务并标记为 active
//
// 没有可执行任务时返回 nil, nil。
func (q *Queue) Lease(ctx context.Context, workerID string) (*model.Job, error) {
	for i := 0; i < leaseRetries; i++ {
		now := q.now()
		var candidate model.Job
		err := q.db.WithContext(ctx).
			Where("queue = ? AND state IN ? AND run_at <= ?", q.name,
				[]model.JobState{model.JobStateWaiting, model.JobStateDelayed}, now).
			Order("priority DESC, id ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, storageErr("lease", err)
		}

		token := uuid.NewString()
		expires := now.Add(q.opts.LeaseTimeout)
		res := q.db.WithContext(ctx).Model(&model.Job{}).
			Where("id = ? AND state = ? AND run_at <= ?", candidate.ID, candidate.State, now).
			Updates(map[string]any{
				"state":            model.JobStateActive,
				"lease_token":      token,
				"leased_by":        workerID,
				"lease_expires_at": expires,
				"processed_at":     now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return nil, storageErr("lease", res.Error)
		}
		if res.RowsAffected == 0 {
			// 被其他槽位抢先，重新挑选
			continue
		}

		candidate.State = model.JobStateActive
		candidate.LeaseToken = token
		candidate.LeasedBy = workerID
		candidate.LeaseExpiresAt = &expires
		candidate.ProcessedAt = &now
		candidate.UpdatedAt = now
		return &candidate, nil
	}
	return nil, nil
}

// Extend 续租，租约已失效时返回 ErrLeaseLost
func (q *Queue) Extend(ctx context.Context, job *model.Job) error {
	expires := q.now().Add(q.opts.LeaseTimeout)
	res := q.db.WithContext(ctx).Model(&model.Job{}).
		Where("job_id = ? AND state = ? AND lease_token = ?", job.JobID, model.JobStateActive, job.LeaseToken).
		Updates(map[string]any{"lease_expires_at": expires, "updated_at": q.now()})
	if res.Error != nil {
		return storageErr("extend", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	job.LeaseExpiresAt = &expires
	return nil
}

// Ack 标记任务完成并记录结果，对已结束的任务重复调用无副作用
func (q *Queue) Ack(ctx context.Context, job *model.Job, result any) error {
	var raw datatypes.JSON
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		raw = datatypes.JSON(data)
	}

	now := q.now()
	res := q.db.WithContext(ctx).Model(&model.Job{}).
		Where("job_id = ? AND state = ? AND lease_token = ?", job.JobID, model.JobStateActive, job.LeaseToken).
		Updates(map[string]any{
			"state":            model.JobStateCompleted,
			"result":           raw,
			"lease_token":      "",
			"lease_expires_at": nil,
			"finished_at":      now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return storageErr("ack", res.Error)
	}
	if res.RowsAffected == 0 {
		return q.settledOrLost(ctx, job)
	}

	job.State = model.JobStateCompleted
	job.Result = raw
	job.FinishedAt = &now
	q.log.Infof("任务完成: job=%s, attempts=%d", job.JobID, job.Attempts+1)
	return nil
}

// Nack 记录一次失败，按退避策略安排重试或标记为最终失败
//
// 错误不可重试或次数用尽时任务进入 failed，否则进入 delayed。
// 传入的 job 会被更新为最新状态。
func (q *Queue) Nack(ctx context.Context, job *model.Job, cause error) error {
	var current model.Job
	if err := q.db.WithContext(ctx).Where("job_id = ?", job.JobID).First(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return storageErr("nack", err)
	}
	if current.State.IsTerminal() {
		return nil
	}
	if current.State != model.JobStateActive || current.LeaseToken != job.LeaseToken {
		return ErrLeaseLost
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	now := q.now()
	attempts := current.Attempts + 1
	updates := map[string]any{
		"attempts":         attempts,
		"failure_reason":   reason,
		"lease_token":      "",
		"leased_by":        "",
		"lease_expires_at": nil,
		"updated_at":       now,
	}

	state := model.JobStateDelayed
	runAt := now
	current.Attempts = attempts
	if IsPermanent(cause) || !current.CanRetry() {
		state = model.JobStateFailed
		updates["finished_at"] = now
	} else {
		runAt = now.Add(backoffOf(&current).Delay(attempts))
		updates["run_at"] = runAt
	}
	updates["state"] = state

	res := q.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND state = ? AND lease_token = ?", current.ID, model.JobStateActive, job.LeaseToken).
		Updates(updates)
	if res.Error != nil {
		return storageErr("nack", res.Error)
	}
	if res.RowsAffected == 0 {
		return q.settledOrLost(ctx, job)
	}

	job.Attempts = attempts
	job.State = state
	job.FailureReason = reason
	job.LeaseToken = ""
	if state == model.JobStateFailed {
		job.FinishedAt = &now
		q.log.Warnf("任务最终失败: job=%s, attempts=%d/%d, reason=%s", job.JobID, attempts, current.MaxAttempts, reason)
	} else {
		job.RunAt = runAt
		q.log.Infof("任务将重试: job=%s, attempts=%d/%d, run_at=%s, reason=%s",
			job.JobID, attempts, current.MaxAttempts, runAt.Format(time.RFC3339), reason)
	}
	return nil
}

// Release 交还租约，任务回到等待状态且不计入失败次数，用于停机时中断的任务
func (q *Queue) Release(ctx context.Context, job *model.Job) error {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&model.Job{}).
		Where("job_id = ? AND state = ? AND lease_token = ?", job.JobID, model.JobStateActive, job.LeaseToken).
		Updates(map[string]any{
			"state":            model.JobStateWaiting,
			"lease_token":      "",
			"leased_by":        "",
			"lease_expires_at": nil,
			"run_at":           now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return storageErr("release", res.Error)
	}
	if res.RowsAffected == 0 {
		return q.settledOrLost(ctx, job)
	}
	job.State = model.JobStateWaiting
	job.LeaseToken = ""
	q.log.Infof("任务已交还队列: job=%s", job.JobID)
	return nil
}

// settledOrLost 条件更新未命中时，区分任务已结束与租约丢失
func (q *Queue) settledOrLost(ctx context.Context, job *model.Job) error {
	current, err := q.GetJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	if current.State.IsTerminal() {
		return nil
	}
	return ErrLeaseLost
}

// GetJob 按ID查询任务
func (q *Queue) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	err := q.db.WithContext(ctx).Where("job_id = ? AND queue = ?", jobID, q.name).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return &job, nil
}

// Cancel 取消任务
//
// 等待中的任务直接删除；执行中的任务只打上取消标记，由调用方在完成时检查。
// 已结束或不存在的任务返回 false。
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := q.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch job.State {
	case model.JobStateWaiting, model.JobStateDelayed:
		res := q.db.WithContext(ctx).
			Where("id = ? AND state IN ?", job.ID, []model.JobState{model.JobStateWaiting, model.JobStateDelayed}).
			Delete(&model.Job{})
		if res.Error != nil {
			return false, storageErr("cancel", res.Error)
		}
		if res.RowsAffected > 0 {
			q.log.Infof("已移除等待中的任务: job=%s", jobID)
			return true, nil
		}
		// 删除前被租用，按执行中处理
		return q.Cancel(ctx, jobID)
	case model.JobStateActive:
		res := q.db.WithContext(ctx).Model(&model.Job{}).
			Where("id = ? AND state = ?", job.ID, model.JobStateActive).
			Updates(map[string]any{"cancel_requested": true, "updated_at": q.now()})
		if res.Error != nil {
			return false, storageErr("cancel", res.Error)
		}
		if res.RowsAffected == 0 {
			return false, nil
		}
		q.log.Infof("执行中的任务已标记取消: job=%s", jobID)
		return true, nil
	default:
		return false, nil
	}
}

// Jobs 按状态列出任务，最早入队的在前
func (q *Queue) Jobs(ctx context.Context, state model.JobState, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []model.Job
	err := q.db.WithContext(ctx).
		Where("queue = ? AND state = ?", q.name, state).
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	return jobs, nil
}

// Counts 统计各状态任务数量
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var rows []struct {
		State model.JobState
		Total int64
	}
	err := q.db.WithContext(ctx).Model(&model.Job{}).
		Select("state, count(*) as total").
		Where("queue = ?", q.name).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return Counts{}, storageErr("counts", err)
	}

	var c Counts
	for _, row := range rows {
		switch row.State {
		case model.JobStateWaiting:
			c.Waiting = row.Total
		case model.JobStateActive:
			c.Active = row.Total
		case model.JobStateCompleted:
			c.Completed = row.Total
		case model.JobStateFailed:
			c.Failed = row.Total
		case model.JobStateDelayed:
			c.Delayed = row.Total
		}
	}
	return c, nil
}

// Purge 删除结束时间早于 olderThan 的终态任务，未指定状态时清理 completed 和 failed
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration, states ...model.JobState) (int64, error) {
	if len(states) == 0 {
		states = terminalStates
	}
	for _, s := range states {
		if !s.IsTerminal() {
			return 0, fmt.Errorf("purge only accepts terminal states, got %s", s)
		}
	}

	cutoff := q.now().Add(-olderThan)
	res := q.db.WithContext(ctx).
		Where("queue = ? AND state IN ? AND finished_at < ?", q.name, states, cutoff).
		Delete(&model.Job{})
	if res.Error != nil {
		return 0, storageErr("purge", res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Infof("已清理过期任务: count=%d, older_than=%s", res.RowsAffected, olderThan)
	}
	return res.RowsAffected, nil
}

// Trim 只保留指定终态下最近的 keep 个任务
func (q *Queue) Trim(ctx context.Context, state model.JobState, keep int) (int64, error) {
	if !state.IsTerminal() {
		return 0, fmt.Errorf("trim only accepts terminal states, got %s", state)
	}
	if keep < 0 {
		keep = 0
	}

	tx := q.db.WithContext(ctx).Where("queue = ? AND state = ?", q.name, state)
	if keep > 0 {
		// 保留集合在数据库内计算，避免绑定参数数量随积压增长
		newest := q.db.Model(&model.Job{}).
			Select("id").
			Where("queue = ? AND state = ?", q.name, state).
			Order("id DESC").
			Limit(keep)
		tx = tx.Where("id NOT IN (?)", newest)
	}
	res := tx.Delete(&model.Job{})
	if res.Error != nil {
		return 0, storageErr("trim", res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Infof("已裁剪终态任务: state=%s, count=%d, keep=%d", state, res.RowsAffected, keep)
	}
	return res.RowsAffected, nil
}

// ReclaimExpired 将租约过期的 active 任务放回等待队列，用于进程崩溃后的恢复
func (q *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&model.Job{}).
		Where("queue = ? AND state = ? AND lease_expires_at < ?", q.name, model.JobStateActive, now).
		Updates(map[string]any{
			"state":            model.JobStateWaiting,
			"lease_token":      "",
			"leased_by":        "",
			"lease_expires_at": nil,
			"run_at":           now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return 0, storageErr("reclaim", res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Warnf("已回收租约过期的任务: count=%d", res.RowsAffected)
		if q.notifier != nil {
			q.notifier.Notify(ctx, q.name)
		}
	}
	return res.RowsAffected, nil
}
