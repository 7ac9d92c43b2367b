package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// JobType 任务类型，决定载荷的具体结构
type JobType string

const (
	JobTypeGenerateVideo JobType = "generate-video"
	JobTypePublishVideo  JobType = "publish-video"
)

// ErrInvalidPayload 载荷校验失败
var ErrInvalidPayload = errors.New("invalid job payload")

const maxVariationCount = 5

// Payload 各任务类型的载荷，入队时校验
type Payload interface {
	JobType() JobType
	Validate() error
}

// PublishSettings 发布参数
type PublishSettings struct {
	CredentialRef string   `json:"credential_ref"`
	Caption       string   `json:"caption,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	AutoPublish   bool     `json:"auto_publish"`
}

// GenerationPayload 视频生成任务载荷
type GenerationPayload struct {
	VideoID           string           `json:"video_id"`
	UserID            string           `json:"user_id"`
	Title             string           `json:"title,omitempty"`
	Prompt            string           `json:"prompt"`
	SourceImageURL    string           `json:"source_image_url"`
	Width             int              `json:"width"`
	Height            int              `json:"height"`
	FPS               int              `json:"fps"`
	Quality           string           `json:"quality"`
	ContentType       string           `json:"content_type,omitempty"`
	ViralOptimization bool             `json:"viral_optimization,omitempty"`
	VariationCount    int              `json:"variation_count,omitempty"`
	Seed              *int             `json:"seed,omitempty"`
	Publish           *PublishSettings `json:"publish,omitempty"`
}

func (p *GenerationPayload) JobType() JobType { return JobTypeGenerateVideo }

// ApplyDefaults 填充默认的分辨率、帧率等参数
func (p *GenerationPayload) ApplyDefaults() {
	if p.Width == 0 {
		p.Width = 1080
	}
	if p.Height == 0 {
		p.Height = 1920
	}
	if p.FPS == 0 {
		p.FPS = 30
	}
	if p.Quality == "" {
		p.Quality = "high"
	}
	if p.VariationCount == 0 {
		p.VariationCount = 1
	}
}

func (p *GenerationPayload) Validate() error {
	p.ApplyDefaults()
	switch {
	case strings.TrimSpace(p.VideoID) == "":
		return fmt.Errorf("%w: video_id is required", ErrInvalidPayload)
	case strings.TrimSpace(p.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidPayload)
	case strings.TrimSpace(p.Prompt) == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	case p.Width < 0 || p.Height < 0 || p.FPS < 0:
		return fmt.Errorf("%w: width, height and fps must be positive", ErrInvalidPayload)
	case p.VariationCount < 1 || p.VariationCount > maxVariationCount:
		return fmt.Errorf("%w: variation_count must be between 1 and %d", ErrInvalidPayload, maxVariationCount)
	}
	if err := validateURL("source_image_url", p.SourceImageURL); err != nil {
		return err
	}
	if p.Publish != nil && p.Publish.AutoPublish && strings.TrimSpace(p.Publish.CredentialRef) == "" {
		return fmt.Errorf("%w: auto publish requires a credential_ref", ErrInvalidPayload)
	}
	return nil
}

// ShouldChainPublish 生成成功后是否需要自动发布
func (p *GenerationPayload) ShouldChainPublish() bool {
	return p.Publish != nil && p.Publish.AutoPublish && p.Publish.CredentialRef != ""
}

// PublishPayload 视频发布任务载荷
type PublishPayload struct {
	VideoID     string          `json:"video_id"`
	UserID      string          `json:"user_id"`
	ArtifactURL string          `json:"artifact_url"`
	Settings    PublishSettings `json:"settings"`
}

func (p *PublishPayload) JobType() JobType { return JobTypePublishVideo }

func (p *PublishPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.VideoID) == "":
		return fmt.Errorf("%w: video_id is required", ErrInvalidPayload)
	case strings.TrimSpace(p.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidPayload)
	case strings.TrimSpace(p.Settings.CredentialRef) == "":
		return fmt.Errorf("%w: credential_ref is required", ErrInvalidPayload)
	}
	return validateURL("artifact_url", p.ArtifactURL)
}

func validateURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || raw == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute http(s) url", ErrInvalidPayload, field)
	}
	return nil
}
