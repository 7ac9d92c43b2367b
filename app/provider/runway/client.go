package runway

import (
	"context"
	"fmt"
	"strings"

	"reelflow/app/config"
	"reelflow/app/provider"

	"resty.dev/v3"
)

const serviceName = "runway"

// TaskStatus 统一后的任务状态
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// GenerateRequest 图生视频请求
type GenerateRequest struct {
	PromptImage string
	PromptText  string
	Width       int
	Height      int
	Seed        *int
}

// Task 生成任务状态
type Task struct {
	ID       string
	Status   TaskStatus
	Output   []string
	Failure  string
	Progress float64
}

type imageToVideoBody struct {
	Model       string `json:"model"`
	PromptImage string `json:"promptImage"`
	PromptText  string `json:"promptText"`
	Ratio       string `json:"ratio"`
	Duration    int    `json:"duration"`
	Seed        *int   `json:"seed,omitempty"`
}

type taskResponse struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Output      []string `json:"output"`
	Failure     string   `json:"failure"`
	FailureCode string   `json:"failureCode"`
	Progress    float64  `json:"progress"`
}

// Client RunwayML 客户端
type Client struct {
	client   *resty.Client
	model    string
	duration int
}

// New 创建新的 RunwayML 客户端
func New(cfg config.RunwayConfig) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetAuthToken(cfg.APIKey)
	client.SetHeader("X-Runway-Version", cfg.APIVersion)
	client.SetHeader("Content-Type", "application/json")

	return &Client{
		client:   client,
		model:    cfg.Model,
		duration: cfg.Duration,
	}
}

// Close 释放连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Submit 提交图生视频任务，返回任务ID
func (c *Client) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	var result taskResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(imageToVideoBody{
			Model:       c.model,
			PromptImage: req.PromptImage,
			PromptText:  req.PromptText,
			Ratio:       fmt.Sprintf("%d:%d", req.Width, req.Height),
			Duration:    c.duration,
			Seed:        req.Seed,
		}).
		SetResult(&result).
		Post("/v1/image_to_video")

	if err := provider.CheckResponse(serviceName, resp, err); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("submit task: %w", provider.ErrEmptyResponse)
	}
	return result.ID, nil
}

// Status 查询任务状态
func (c *Client) Status(ctx context.Context, taskID string) (*Task, error) {
	var result taskResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", taskID).
		SetResult(&result).
		Get("/v1/tasks/{id}")

	if err := provider.CheckResponse(serviceName, resp, err); err != nil {
		return nil, err
	}

	failure := result.Failure
	if failure == "" && result.FailureCode != "" {
		failure = result.FailureCode
	}
	return &Task{
		ID:       result.ID,
		Status:   mapStatus(result.Status),
		Output:   result.Output,
		Failure:  failure,
		Progress: result.Progress,
	}, nil
}

// mapStatus 将 Runway 的任务状态映射为统一状态
func mapStatus(s string) TaskStatus {
	switch strings.ToUpper(s) {
	case "SUCCEEDED":
		return StatusSucceeded
	case "FAILED", "CANCELLED":
		return StatusFailed
	case "RUNNING":
		return StatusRunning
	default:
		// PENDING、THROTTLED 及未知状态继续轮询
		return StatusPending
	}
}
