package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobState 任务状态
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsTerminal 是否为终态
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// BackoffStrategy 退避策略
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

// Job 持久化队列中的任务
type Job struct {
	ID              uint            `gorm:"primarykey" json:"-"` // 内部自增序号，用于同优先级的先进先出
	JobID           string          `gorm:"size:36;not null;uniqueIndex" json:"id"`
	Queue           string          `gorm:"size:64;not null;index:idx_jobs_lease,priority:1" json:"queue"`
	Type            JobType         `gorm:"size:32;not null" json:"type"`
	Payload         datatypes.JSON  `json:"payload"`
	Priority        int             `gorm:"default:0" json:"priority"`
	Attempts        int             `gorm:"default:0" json:"attempts"`
	MaxAttempts     int             `gorm:"not null" json:"max_attempts"`
	BackoffStrategy BackoffStrategy `gorm:"size:16" json:"backoff_strategy"`
	BackoffBase     int64           `json:"backoff_base_ms"` // 毫秒
	State           JobState        `gorm:"size:16;not null;index:idx_jobs_lease,priority:2" json:"state"`
	RunAt           time.Time       `gorm:"index" json:"run_at"`
	LeaseToken      string          `gorm:"size:36" json:"-"`
	LeasedBy        string          `gorm:"size:128" json:"leased_by,omitempty"`
	LeaseExpiresAt  *time.Time      `gorm:"index" json:"lease_expires_at,omitempty"`
	CancelRequested bool            `gorm:"default:false" json:"cancel_requested"`
	DedupeKey       string          `gorm:"size:128;index" json:"dedupe_key,omitempty"`
	Result          datatypes.JSON  `json:"result,omitempty"`
	FailureReason   string          `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName 指定表名
func (Job) TableName() string {
	return "jobs"
}

// CanRetry 检查失败后是否还能重试
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts && !j.State.IsTerminal()
}
