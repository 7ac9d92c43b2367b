package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"resty.dev/v3"
)

// ErrEmptyResponse 接口返回成功但缺少必要字段
var ErrEmptyResponse = errors.New("provider returned an empty response")

// StatusError 第三方接口返回的非 2xx 响应
type StatusError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Message)
}

// Temporary 5xx 与 429 视为可重试
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// CheckResponse 将请求结果转换为错误
func CheckResponse(service string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	return &StatusError{Service: service, StatusCode: code, Message: errorMessage(resp.String())}
}

// errorMessage 提取错误信息，兼容 {"error":"..."} 与 {"error":{"message":"..."}} 两种格式
func errorMessage(body string) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil || len(payload.Error) == 0 {
		return body
	}

	var text string
	if err := json.Unmarshal(payload.Error, &text); err == nil && text != "" {
		return text
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &nested); err == nil && nested.Message != "" {
		return nested.Message
	}
	return body
}
