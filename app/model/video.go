package model

import (
	"time"
)

// VideoStatus 视频状态
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "PENDING"
	VideoStatusGenerating VideoStatus = "GENERATING"
	VideoStatusCompleted  VideoStatus = "COMPLETED"
	VideoStatusFailed     VideoStatus = "FAILED"
	VideoStatusPosted     VideoStatus = "POSTED"
	VideoStatusArchived   VideoStatus = "ARCHIVED"
)

// Video 视频记录，状态字段只由任务编排层写入
type Video struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	UserID      string      `gorm:"size:64;not null;index" json:"user_id"`
	Title       string      `gorm:"size:200" json:"title"`
	Description string      `gorm:"type:text" json:"description"`
	Prompt      string      `gorm:"type:text" json:"prompt"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	FPS         int         `json:"fps"`
	Quality     string      `gorm:"size:20" json:"quality"`
	Status      VideoStatus `gorm:"size:20;default:PENDING;index" json:"status"`
	VideoURL    string      `gorm:"type:text" json:"video_url,omitempty"`
	PublishID   string      `gorm:"size:64" json:"instagram_post_id,omitempty"`
	Permalink   string      `gorm:"type:text" json:"permalink,omitempty"`
	LastError   string      `gorm:"type:text" json:"last_error,omitempty"`
	GeneratedAt *time.Time  `json:"generated_at,omitempty"`
	PostedAt    *time.Time  `json:"posted_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TableName 指定表名
func (Video) TableName() string {
	return "videos"
}

// CanPublish 只有生成完成且有地址的视频才能发布
func (v *Video) CanPublish() bool {
	return v.Status == VideoStatusCompleted && v.VideoURL != ""
}
