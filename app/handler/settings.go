package handler

import (
	"errors"
	"net/http"

	"reelflow/app/middleware"
	"reelflow/app/model"
	"reelflow/app/store"

	"github.com/gin-gonic/gin"
)

// SettingsHandler 用户发布设置接口
type SettingsHandler struct {
	settings *store.SettingsStore
}

// NewSettingsHandler 创建设置处理器
func NewSettingsHandler(settings *store.SettingsStore) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

// SettingsRequest 更新设置请求，AccessToken 为空时保留原令牌
type SettingsRequest struct {
	CredentialRef   string   `json:"credential_ref"`
	AccessToken     string   `json:"access_token"`
	Connected       bool     `json:"connected"`
	AutoPublish     bool     `json:"auto_publish"`
	DefaultCaption  string   `json:"default_caption"`
	DefaultHashtags []string `json:"default_hashtags"`
}

// Get 当前用户的设置
func (h *SettingsHandler) Get(c *gin.Context) {
	settings, err := h.settings.ForUser(c.Request.Context(), middleware.UserID(c))
	if errors.Is(err, store.ErrSettingsNotFound) {
		success(c, &model.Settings{UserID: middleware.UserID(c)}, "获取成功")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "读取设置失败")
		return
	}
	success(c, settings, "获取成功")
}

// Update 保存当前用户的设置
func (h *SettingsHandler) Update(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	userID := middleware.UserID(c)

	token := req.AccessToken
	if token == "" {
		if old, err := h.settings.ForUser(c.Request.Context(), userID); err == nil {
			token = old.AccessToken
		}
	}
	if req.Connected && (req.CredentialRef == "" || token == "") {
		fail(c, http.StatusBadRequest, "连接发布平台需要 credential_ref 和 access_token")
		return
	}

	settings := &model.Settings{
		UserID:          userID,
		CredentialRef:   req.CredentialRef,
		AccessToken:     token,
		Connected:       req.Connected,
		AutoPublish:     req.AutoPublish,
		DefaultCaption:  req.DefaultCaption,
		DefaultHashtags: req.DefaultHashtags,
	}
	if err := h.settings.Save(c.Request.Context(), settings); err != nil {
		fail(c, http.StatusInternalServerError, "保存设置失败")
		return
	}
	success(c, settings, "保存成功")
}
