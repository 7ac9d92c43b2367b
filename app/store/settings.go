package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reelflow/app/model"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrCredentialNotFound 发布凭据不存在或已断开
	ErrCredentialNotFound = errors.New("publish credential not found")
	// ErrSettingsNotFound 用户尚未保存设置
	ErrSettingsNotFound = errors.New("settings not found")
)

// SettingsStore 用户设置与发布凭据存储，凭据查询结果会缓存
type SettingsStore struct {
	db    *gorm.DB
	cache *cache.Cache
}

// NewSettingsStore 创建设置存储，ttl 为凭据缓存时间
func NewSettingsStore(db *gorm.DB, ttl time.Duration) *SettingsStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SettingsStore{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
	}
}

func credentialKey(ref string) string {
	return "credential:" + ref
}

// ForUser 查询用户设置
func (s *SettingsStore) ForUser(ctx context.Context, userID string) (*model.Settings, error) {
	var settings model.Settings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get settings: %w", ErrStorage, err)
	}
	return &settings, nil
}

// Save 按用户保存设置，并使该用户的凭据缓存失效
func (s *SettingsStore) Save(ctx context.Context, settings *model.Settings) error {
	// 凭据引用变化时旧引用也要失效
	if old, err := s.ForUser(ctx, settings.UserID); err == nil && old.CredentialRef != "" {
		s.cache.Delete(credentialKey(old.CredentialRef))
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"credential_ref", "access_token", "connected", "auto_publish",
			"default_caption", "default_hashtags", "updated_at",
		}),
	}).Create(settings).Error
	if err != nil {
		return fmt.Errorf("%w: save settings: %w", ErrStorage, err)
	}
	if settings.CredentialRef != "" {
		s.cache.Delete(credentialKey(settings.CredentialRef))
	}
	return nil
}

// ResolveToken 将凭据引用解析为访问令牌
func (s *SettingsStore) ResolveToken(ctx context.Context, credentialRef string) (string, error) {
	if token, ok := s.cache.Get(credentialKey(credentialRef)); ok {
		return token.(string), nil
	}

	var settings model.Settings
	err := s.db.WithContext(ctx).
		Where("credential_ref = ? AND connected = ?", credentialRef, true).
		First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, credentialRef)
	}
	if err != nil {
		return "", fmt.Errorf("%w: resolve credential: %w", ErrStorage, err)
	}
	if settings.AccessToken == "" {
		return "", fmt.Errorf("%w: %s has no access token", ErrCredentialNotFound, credentialRef)
	}

	s.cache.SetDefault(credentialKey(credentialRef), settings.AccessToken)
	return settings.AccessToken, nil
}

// PublishDefaults 返回用户的默认文案和话题标签，用户没有设置时返回空值
func (s *SettingsStore) PublishDefaults(ctx context.Context, userID string) (string, []string, error) {
	settings, err := s.ForUser(ctx, userID)
	if errors.Is(err, ErrSettingsNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return settings.DefaultCaption, []string(settings.DefaultHashtags), nil
}
