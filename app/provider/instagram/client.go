package instagram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reelflow/app/config"
	"reelflow/app/provider"

	"resty.dev/v3"
)

const serviceName = "instagram"

// ErrPollTimeout 单次状态查询超时
var ErrPollTimeout = errors.New("instagram status request timed out")

// ContainerStatus 媒体容器处理状态
type ContainerStatus string

const (
	StatusFinished   ContainerStatus = "FINISHED"
	StatusError      ContainerStatus = "ERROR"
	StatusInProgress ContainerStatus = "IN_PROGRESS"
	StatusExpired    ContainerStatus = "EXPIRED"
	StatusPublished  ContainerStatus = "PUBLISHED"
)

// PublishResult 发布结果
type PublishResult struct {
	ID        string `json:"id"`
	Permalink string `json:"permalink,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID         string `json:"id"`
	StatusCode string `json:"status_code"`
}

type mediaResponse struct {
	ID        string `json:"id"`
	Permalink string `json:"permalink"`
}

// Client Instagram Graph API 客户端，访问令牌按调用传入
type Client struct {
	client      *resty.Client
	pollTimeout time.Duration
}

// New 创建新的 Instagram 客户端
func New(cfg config.InstagramConfig) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Content-Type", "application/json")

	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	return &Client{
		client:      client,
		pollTimeout: pollTimeout,
	}
}

// Close 释放连接
func (c *Client) Close() error {
	return c.client.Close()
}

// CreateMedia 创建 Reels 媒体容器，返回容器ID
func (c *Client) CreateMedia(ctx context.Context, accessToken, videoURL, caption string) (string, error) {
	var result idResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"media_type":   "REELS",
			"video_url":    videoURL,
			"caption":      caption,
			"access_token": accessToken,
		}).
		SetResult(&result).
		Post("/me/media")

	if err := provider.CheckResponse(serviceName, resp, err); err != nil {
		return "", fmt.Errorf("create media container: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("create media container: %w", provider.ErrEmptyResponse)
	}
	return result.ID, nil
}

// ProcessingStatus 查询容器处理状态，单次请求超时返回 ErrPollTimeout
func (c *Client) ProcessingStatus(ctx context.Context, accessToken, containerID string) (ContainerStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	var result statusResponse
	resp, err := c.client.R().
		SetContext(reqCtx).
		SetPathParam("id", containerID).
		SetQueryParams(map[string]string{
			"fields":       "status_code",
			"access_token": accessToken,
		}).
		SetResult(&result).
		Get("/{id}")

	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: container=%s", ErrPollTimeout, containerID)
	}
	if err := provider.CheckResponse(serviceName, resp, err); err != nil {
		return "", fmt.Errorf("query media status: %w", err)
	}
	return ContainerStatus(result.StatusCode), nil
}

// Publish 发布已处理完成的容器，并尽量补全帖子链接
func (c *Client) Publish(ctx context.Context, accessToken, containerID string) (*PublishResult, error) {
	var result idResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"creation_id":  containerID,
			"access_token": accessToken,
		}).
		SetResult(&result).
		Post("/me/media_publish")

	if err := provider.CheckResponse(serviceName, resp, err); err != nil {
		return nil, fmt.Errorf("publish media: %w", err)
	}
	if result.ID == "" {
		return nil, fmt.Errorf("publish media: %w", provider.ErrEmptyResponse)
	}

	published := &PublishResult{ID: result.ID}
	// 获取链接失败不影响发布结果
	if permalink, err := c.permalink(ctx, accessToken, result.ID); err == nil {
		published.Permalink = permalink
	}
	return published, nil
}

func (c *Client) permalink(ctx context.Context, accessToken, mediaID string) (string, error) {
	var result mediaResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", mediaID).
		SetQueryParams(map[string]string{
			"fields":       "id,permalink",
			"access_token": accessToken,
		}).
		SetResult(&result).
		Get("/{id}")

	if err := provider.CheckResponse(serviceName, resp, err); err != nil {
		return "", err
	}
	return result.Permalink, nil
}
