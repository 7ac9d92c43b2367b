package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reelflow/app/model"

	"gorm.io/gorm"
)

var (
	// ErrVideoNotFound 视频记录不存在
	ErrVideoNotFound = errors.New("video not found")
	// ErrStorage 数据库访问失败
	ErrStorage = errors.New("store unavailable")
	// ErrVideoStatusConflict 视频当前状态不允许该变更
	ErrVideoStatusConflict = errors.New("video status conflict")
)

// VideoStore 视频记录存储
type VideoStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewVideoStore 创建视频存储
func NewVideoStore(db *gorm.DB) *VideoStore {
	return &VideoStore{db: db, nowFn: time.Now}
}

// Create 新建视频记录
func (s *VideoStore) Create(ctx context.Context, video *model.Video) error {
	if video.Status == "" {
		video.Status = model.VideoStatusPending
	}
	if err := s.db.WithContext(ctx).Create(video).Error; err != nil {
		return fmt.Errorf("%w: create video: %w", ErrStorage, err)
	}
	return nil
}

// Get 按ID查询视频
func (s *VideoStore) Get(ctx context.Context, id string) (*model.Video, error) {
	var video model.Video
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&video).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get video: %w", ErrStorage, err)
	}
	return &video, nil
}

// Update 更新视频的部分字段
func (s *VideoStore) Update(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = s.nowFn().UTC()
	res := s.db.WithContext(ctx).Model(&model.Video{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("%w: update video: %w", ErrStorage, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	return nil
}

// Transition 仅当视频处于 from 中的某个状态时更新为 to，可附带其他字段
func (s *VideoStore) Transition(ctx context.Context, id string, from []model.VideoStatus, to model.VideoStatus, fields map[string]any) error {
	if fields == nil {
		fields = make(map[string]any, 2)
	}
	fields["status"] = to
	fields["updated_at"] = s.nowFn().UTC()
	res := s.db.WithContext(ctx).Model(&model.Video{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("%w: transition video: %w", ErrStorage, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	video, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: video %s is %s", ErrVideoStatusConflict, id, video.Status)
}

// ListByUser 查询用户的视频，按创建时间倒序
func (s *VideoStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.Video, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var videos []model.Video
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&videos).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list videos: %w", ErrStorage, err)
	}
	return videos, nil
}
