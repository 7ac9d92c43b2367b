package model

import (
	"time"

	"gorm.io/datatypes"
)

// Settings 用户的发布设置
type Settings struct {
	ID              uint                        `gorm:"primarykey" json:"id"`
	UserID          string                      `gorm:"size:64;not null;uniqueIndex" json:"user_id"`
	CredentialRef   string                      `gorm:"size:128;index" json:"credential_ref"`
	AccessToken     string                      `gorm:"type:text" json:"-"`
	Connected       bool                        `gorm:"default:false" json:"connected"`
	AutoPublish     bool                        `gorm:"default:false" json:"auto_publish"`
	DefaultCaption  string                      `gorm:"type:text" json:"default_caption"`
	DefaultHashtags datatypes.JSONSlice[string] `json:"default_hashtags"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// TableName 指定表名
func (Settings) TableName() string {
	return "settings"
}

// PublishSettings 根据用户设置生成随生成任务一起提交的发布参数，未连接平台时返回 nil
func (s *Settings) PublishSettings() *PublishSettings {
	if s == nil || !s.Connected || s.CredentialRef == "" {
		return nil
	}
	return &PublishSettings{
		CredentialRef: s.CredentialRef,
		AutoPublish:   s.AutoPublish,
	}
}
